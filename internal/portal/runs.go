package portal

import (
	"encoding/json"
	"net/http"

	deckhand "github.com/deckhand-ai/deckhand"
)

type executeWorkflowRequest struct {
	Definition json.RawMessage `json:"definition"`
	Input      map[string]any  `json:"input,omitempty"`
}

// handleWorkflowExecute serves POST /workflows/execute: parse and
// validate the definition, start the run, and return its record. The
// run proceeds in the background; clients follow it via the events
// stream or by polling GET /runs/{id}.
func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.runner == nil {
		s.missingDep(w, rc, "runner")
		return
	}
	var req executeWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, rc, err)
		return
	}
	if len(req.Definition) == 0 {
		s.writeError(w, rc, deckhand.E(deckhand.KindValidation, "definition is required"))
		return
	}
	def, err := deckhand.ParseDefinition(req.Definition)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	run, err := s.runner.Execute(r.Context(), rc, def, req.Input)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

// handleRunList serves GET /runs for the caller's organization.
func (s *Server) handleRunList(w http.ResponseWriter, _ *http.Request, rc deckhand.RunContext) {
	if s.runner == nil {
		s.missingDep(w, rc, "runner")
		return
	}
	runs := s.runner.List(rc.OrgID)
	if runs == nil {
		runs = []*deckhand.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunGet serves GET /runs/{id}.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.runner == nil {
		s.missingDep(w, rc, "runner")
		return
	}
	run, err := s.runner.Get(r.PathValue("id"), rc.OrgID)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

type runApprovalRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// handleRunApproval serves POST /runs/{id}/approval: deliver a human
// decision to a suspended run and resume it.
func (s *Server) handleRunApproval(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.runner == nil {
		s.missingDep(w, rc, "runner")
		return
	}
	var req runApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, rc, err)
		return
	}
	run, err := s.runner.Resume(r.Context(), rc, r.PathValue("id"), deckhand.ApprovalDecision{
		Approved:   req.Approved,
		ApproverID: rc.UserID,
		Comment:    req.Comment,
	})
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleRunCancel serves DELETE /runs/{id}.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.runner == nil {
		s.missingDep(w, rc, "runner")
		return
	}
	if err := s.runner.Cancel(r.PathValue("id"), rc.OrgID); err != nil {
		s.writeError(w, rc, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"canceled": true})
}

// handleRunEvents serves GET /runs/{id}/events as server-sent events.
// A late subscriber first receives the cached latest status so it has a
// baseline, then live events until the run reaches a terminal status or
// the client disconnects. Step events are live-only.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.runner == nil || s.bus == nil {
		s.missingDep(w, rc, "run event stream")
		return
	}
	runID := r.PathValue("id")
	// Ownership check doubles as existence check.
	if _, err := s.runner.Get(runID, rc.OrgID); err != nil {
		s.writeError(w, rc, err)
		return
	}

	// Subscribe before reading the baseline so no transition can fall
	// between the two.
	events, unsubscribe := s.bus.Subscribe(runID)
	defer unsubscribe()

	sse, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, rc, deckhand.E(deckhand.KindInternal, "response writer does not support streaming"))
		return
	}

	if baseline, ok := s.bus.Latest(runID); ok {
		if err := sse.send(baseline); err != nil {
			return
		}
		if terminalStatus(baseline.Status) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sse.send(ev); err != nil {
				return
			}
			if ev.Type == deckhand.RunEventStatus && terminalStatus(ev.Status) {
				return
			}
		}
	}
}

func terminalStatus(status deckhand.RunStatus) bool {
	return status == deckhand.StatusCompleted || status == deckhand.StatusFailed
}
