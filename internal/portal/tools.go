package portal

import (
	"net/http"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"
)

// toolInfo is the execution preview returned by GET /tools/execute.
type toolInfo struct {
	ToolName         string                 `json:"toolName"`
	Description      string                 `json:"description,omitempty"`
	Category         deckhand.ToolCategory  `json:"category"`
	ApprovalLevel    deckhand.ApprovalLevel `json:"approvalLevel"`
	RequiresApproval bool                   `json:"requiresApproval"`
	Warning          string                 `json:"warning,omitempty"`
	Impact           string                 `json:"impact,omitempty"`
}

func infoFor(def deckhand.ToolDefinition) toolInfo {
	info := toolInfo{
		ToolName:         def.Name,
		Description:      def.Description,
		Category:         def.Category,
		ApprovalLevel:    def.ApprovalLevel,
		RequiresApproval: def.ApprovalLevel.RequiresApproval(),
	}
	switch def.ApprovalLevel {
	case deckhand.ApprovalConfirm:
		info.Warning = "This action modifies cloud resources and requires confirmation."
		info.Impact = "modifies resources"
	case deckhand.ApprovalDanger:
		info.Warning = "This action is destructive and cannot be undone without a rollback. Explicit approval is required."
		info.Impact = "destructive"
	}
	return info
}

// handleToolInfo serves GET /tools/execute. With ?toolName=X it returns
// that tool's execution preview; without it, the full catalog.
func (s *Server) handleToolInfo(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.tools == nil {
		s.missingDep(w, rc, "tool registry")
		return
	}
	if name := r.URL.Query().Get("toolName"); name != "" {
		tool, err := s.tools.Resolve(name)
		if err != nil {
			s.writeError(w, rc, err)
			return
		}
		s.writeJSON(w, http.StatusOK, infoFor(tool.Definition))
		return
	}
	defs := s.tools.List()
	infos := make([]toolInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, infoFor(def))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": infos})
}

type executeToolRequest struct {
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

type executeToolResponse struct {
	Success  bool  `json:"success"`
	Data     any   `json:"data,omitempty"`
	Duration int64 `json:"duration"`
}

// approvalRequiredResponse tells the caller which toolCallId to have
// approved and retry with.
type approvalRequiredResponse struct {
	Error            string `json:"error"`
	ToolCallID       string `json:"toolCallId"`
	ApprovalRequired bool   `json:"approvalRequired"`
	RequestID        string `json:"requestId"`
}

// handleToolExecute serves POST /tools/execute: API-context execution
// gated by single-use approval tokens. A confirm or danger tool without
// a consumable token queues a pending approval and fails with 403; the
// client retries with the same toolCallId once a human approves.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.tools == nil {
		s.missingDep(w, rc, "tool registry")
		return
	}
	var req executeToolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, rc, err)
		return
	}
	if req.ToolName == "" {
		s.writeError(w, rc, deckhand.E(deckhand.KindValidation, "toolName is required"))
		return
	}
	tool, err := s.tools.Resolve(req.ToolName)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}

	level := tool.Definition.ApprovalLevel
	if level.RequiresApproval() {
		if level == deckhand.ApprovalDanger && !hasPermission(r, PermDangerTools) {
			s.writeError(w, rc, deckhand.Errorf(deckhand.KindForbidden,
				"tool %q requires the %s permission", req.ToolName, PermDangerTools))
			return
		}
		if s.approvals == nil {
			s.missingDep(w, rc, "approval coordinator")
			return
		}
		if !s.consumeApproval(r, rc, &req) {
			s.queueApproval(w, r, rc, req, level)
			return
		}
	}

	start := time.Now()
	value, err := s.tools.Invoke(r.Context(), req.ToolName, req.Args)
	duration := time.Since(start)
	if s.audit != nil {
		s.audit.ToolExecution(r.Context(), rc, req.ToolCallID, req.ToolName, req.Args, duration, err)
	}
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executeToolResponse{
		Success:  true,
		Data:     value,
		Duration: duration.Milliseconds(),
	})
}

// consumeApproval spends the caller's token. Name mismatches burn the
// token: a token approves exactly one toolCallId/toolName pair.
func (s *Server) consumeApproval(r *http.Request, rc deckhand.RunContext, req *executeToolRequest) bool {
	if req.ToolCallID == "" {
		return false
	}
	token, err := s.approvals.Consume(r.Context(), req.ToolCallID, rc.OrgID)
	if err != nil {
		return false
	}
	return token.ToolName == req.ToolName
}

// queueApproval records a pending approval and rejects the request so
// the caller can surface the decision to a human.
func (s *Server) queueApproval(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext, req executeToolRequest, level deckhand.ApprovalLevel) {
	token, err := s.approvals.Create(r.Context(), deckhand.ApprovalToken{
		ID:       req.ToolCallID,
		OrgID:    rc.OrgID,
		UserID:   rc.UserID,
		ToolName: req.ToolName,
		Args:     req.Args,
		Message:  "API tool execution awaiting approval",
		Level:    level,
	})
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	if s.audit != nil {
		s.audit.GuardrailHit(r.Context(), rc, "approval-required:"+req.ToolName)
	}
	s.writeJSON(w, http.StatusForbidden, approvalRequiredResponse{
		Error:            "approval required before this tool can run",
		ToolCallID:       token.ID,
		ApprovalRequired: true,
		RequestID:        rc.RequestID,
	})
}

// handlePendingApprovals serves GET /tools/approve: the caller's
// organization's unresolved approvals, oldest first.
func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.approvals == nil {
		s.missingDep(w, rc, "approval coordinator")
		return
	}
	pending, err := s.approvals.Pending(r.Context(), rc.OrgID)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	if pending == nil {
		pending = []deckhand.ApprovalToken{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type approveRequest struct {
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// handleApprove serves POST /tools/approve. Approvals for suspended
// workflow runs resume the run; approvals for paused chat or API tool
// calls deliver the decision to their continuation. Either way the
// token is scoped to the caller's organization.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, rc deckhand.RunContext) {
	if s.approvals == nil {
		s.missingDep(w, rc, "approval coordinator")
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, rc, err)
		return
	}
	if req.ToolCallID == "" {
		s.writeError(w, rc, deckhand.E(deckhand.KindValidation, "toolCallId is required"))
		return
	}
	decision := deckhand.ApprovalDecision{
		Approved:   req.Approved,
		ApproverID: rc.UserID,
		Comment:    req.Reason,
	}

	// A token carrying a run id belongs to a suspended workflow; resuming
	// consumes it through the runner so the run record stays consistent.
	if runID, ok := s.suspendedRunFor(r, rc, req.ToolCallID); ok {
		if s.runner == nil {
			s.missingDep(w, rc, "runner")
			return
		}
		run, err := s.runner.Resume(r.Context(), rc, runID, decision)
		if err != nil {
			s.writeError(w, rc, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "run": run})
		return
	}

	token, err := s.approvals.Resolve(r.Context(), req.ToolCallID, rc.OrgID, decision)
	if err != nil {
		s.writeError(w, rc, err)
		return
	}
	if s.audit != nil {
		s.audit.ApprovalDecision(r.Context(), rc, token, req.Approved)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "toolName": token.ToolName})
}

// suspendedRunFor finds the run id a pending token belongs to, if any.
// The lookup goes through the tenant-scoped pending list so a caller
// can never probe another organization's tokens.
func (s *Server) suspendedRunFor(r *http.Request, rc deckhand.RunContext, toolCallID string) (string, bool) {
	pending, err := s.approvals.Pending(r.Context(), rc.OrgID)
	if err != nil {
		return "", false
	}
	for _, token := range pending {
		if token.ID == toolCallID && token.RunID != "" {
			return token.RunID, true
		}
	}
	return "", false
}
