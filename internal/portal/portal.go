// Package portal is the thin HTTP surface over the deckhand runtime:
// tool execution with the approval token gate, approval resolution,
// chat streaming, and workflow runs. Identity arrives in headers from
// an outer authentication layer; this package never handles sessions
// or cookies itself.
package portal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"
)

// Identity headers injected by the outer layer.
const (
	headerUserID      = "X-User-ID"
	headerOrgID       = "X-Org-ID"
	headerRequestID   = "X-Request-ID"
	headerPermissions = "X-Permissions"
)

// PermDangerTools is the high-privilege permission required to execute
// danger-level tools through the API surface. Holding tools:execute is
// not enough.
const PermDangerTools = "tools:danger"

// Server routes portal requests into the runtime.
type Server struct {
	runner    *deckhand.Runner
	tools     *deckhand.ToolRegistry
	approvals *deckhand.Approvals
	streamer  *deckhand.ChatStreamer
	bus       *deckhand.StreamBus
	audit     *deckhand.Auditor
	limiter   *deckhand.PrincipalLimiter
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRunner handles workflow execution and resumption.
func WithRunner(r *deckhand.Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithTools serves tool listing and API-context execution.
func WithTools(t *deckhand.ToolRegistry) Option {
	return func(s *Server) { s.tools = t }
}

// WithApprovals serves the approval endpoints and the execution gate.
func WithApprovals(a *deckhand.Approvals) Option {
	return func(s *Server) { s.approvals = a }
}

// WithStreamer serves the chat endpoint.
func WithStreamer(cs *deckhand.ChatStreamer) Option {
	return func(s *Server) { s.streamer = cs }
}

// WithBus serves run event streams.
func WithBus(b *deckhand.StreamBus) Option {
	return func(s *Server) { s.bus = b }
}

// WithAudit records tool executions and approval decisions.
func WithAudit(a *deckhand.Auditor) Option {
	return func(s *Server) { s.audit = a }
}

// WithRateLimit applies a per-principal request quota at the boundary.
func WithRateLimit(l *deckhand.PrincipalLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a portal server. Endpoints whose dependency is missing
// respond with an internal error rather than panicking, so a partial
// wiring (say, tools without chat) still serves what it can.
func New(opts ...Option) *Server {
	s := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed portal handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools/execute", s.identified(s.handleToolInfo))
	mux.HandleFunc("POST /tools/execute", s.identified(s.handleToolExecute))
	mux.HandleFunc("GET /tools/approve", s.identified(s.handlePendingApprovals))
	mux.HandleFunc("POST /tools/approve", s.identified(s.handleApprove))
	mux.HandleFunc("POST /chat", s.identified(s.handleChat))
	mux.HandleFunc("POST /workflows/execute", s.identified(s.handleWorkflowExecute))
	mux.HandleFunc("GET /runs", s.identified(s.handleRunList))
	mux.HandleFunc("GET /runs/{id}", s.identified(s.handleRunGet))
	mux.HandleFunc("POST /runs/{id}/approval", s.identified(s.handleRunApproval))
	mux.HandleFunc("DELETE /runs/{id}", s.identified(s.handleRunCancel))
	mux.HandleFunc("GET /runs/{id}/events", s.identified(s.handleRunEvents))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// portalHandler is a handler with the caller's identity resolved.
type portalHandler func(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext)

// identified resolves the caller's identity, echoes the request id, and
// applies the per-principal quota before invoking h.
func (s *Server) identified(h portalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := deckhand.RunContext{
			UserID:    r.Header.Get(headerUserID),
			OrgID:     r.Header.Get(headerOrgID),
			RequestID: r.Header.Get(headerRequestID),
			Origin:    deckhand.OriginAPI,
		}
		if rc.RequestID == "" {
			rc.RequestID = deckhand.NewID()
		}
		w.Header().Set(headerRequestID, rc.RequestID)

		if rc.UserID == "" || rc.OrgID == "" {
			s.writeError(w, rc, deckhand.E(deckhand.KindAuthRequired, "missing identity headers"))
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Allow(rc.OrgID + "/" + rc.UserID); err != nil {
				s.writeError(w, rc, err)
				return
			}
		}
		h(w, r, rc)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// hasPermission reports whether the caller's permission header carries
// perm. Permissions are comma-separated.
func hasPermission(r *http.Request, perm string) bool {
	for _, p := range strings.Split(r.Header.Get(headerPermissions), ",") {
		if strings.TrimSpace(p) == perm {
			return true
		}
	}
	return false
}

// errorBody is the uniform failure envelope: a stable code, a sanitized
// single-line message, and the echoed request id. Cause chains never
// leave the process.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, rc deckhand.RunContext, err error) {
	kind := deckhand.KindOf(err)
	var body errorBody
	body.Error.Code = string(kind)
	body.Error.RequestID = rc.RequestID

	var de *deckhand.Error
	if errors.As(err, &de) {
		body.Error.Message = de.Message
		if de.RetryAfter > 0 {
			secs := int(de.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	} else {
		body.Error.Message = "internal error"
	}
	if kind == deckhand.KindInternal {
		s.logger.Error("request failed",
			"requestId", rc.RequestID, "error", err)
	}
	s.writeJSON(w, deckhand.HTTPStatus(kind), body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

// decodeBody reads a JSON request body into v with a sane size cap.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return deckhand.E(deckhand.KindValidation, "malformed request body").Wrap(err)
	}
	return nil
}

// sseWriter formats server-sent events. Each payload goes out as one
// data: line followed by a blank line, flushed immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// missingDep fails the request when a wired dependency is absent.
func (s *Server) missingDep(w http.ResponseWriter, rc deckhand.RunContext, name string) {
	s.writeError(w, rc, deckhand.Errorf(deckhand.KindInternal, "%s is not configured", name))
}
