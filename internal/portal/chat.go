package portal

import (
	"net/http"

	deckhand "github.com/deckhand-ai/deckhand"
)

type chatRequest struct {
	Provider    string                 `json:"provider,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Messages    []deckhand.ChatMessage `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"maxTokens,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
}

// handleChat serves POST /chat: one chat turn streamed as server-sent
// events. Guardrails, model selection, tool gating, and redaction all
// happen inside the streamer; this handler only moves events onto the
// wire. Closing the connection cancels the turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.streamer == nil {
		s.missingDep(w, rc, "chat streamer")
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, rc, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, rc, deckhand.E(deckhand.KindValidation, "messages are required"))
		return
	}

	// Chat approvals are agent-gated inside the streamer, not token-gated
	// at this boundary.
	rc.Origin = deckhand.OriginAgent

	events := make(chan deckhand.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- s.streamer.Stream(r.Context(), rc, req.Provider, deckhand.ChatRequest{
			Model:       req.Model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}, events)
	}()

	// Hold the headers until the first event so early failures (unknown
	// provider, malformed request) still map to proper status codes.
	first, open := <-events
	if !open {
		if err := <-errc; err != nil {
			s.writeError(w, rc, err)
			return
		}
		s.writeError(w, rc, deckhand.E(deckhand.KindInternal, "stream produced no events"))
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, rc, deckhand.E(deckhand.KindInternal, "response writer does not support streaming"))
		return
	}
	if err := sse.send(first); err != nil {
		return
	}
	for ev := range events {
		if err := sse.send(ev); err != nil {
			// Client went away; drain so the streamer can finish.
			for range events {
			}
			break
		}
	}
	if err := <-errc; err != nil {
		// Headers are already out; surface the failure as a final event.
		_ = sse.send(deckhand.StreamEvent{
			Type:  deckhand.EventDone,
			Error: string(deckhand.KindOf(err)) + ": stream failed",
		})
		s.logger.Warn("chat stream failed", "requestId", rc.RequestID, "error", err)
	}
}
