package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentsh/interlock/pkg/types"
	"github.com/go-chi/chi/v5"
)

func (a *App) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Approvals.List())
}

func (a *App) resolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Decision string `json:"decision"` // "approve" or "deny"
		Code     string `json:"code"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	var err error
	switch strings.ToLower(req.Decision) {
	case "approve", "allow":
		if err = a.Approvals.VerifyCode(req.Code); err == nil {
			_, err = a.Approvals.Approve(r.Context(), id)
		}
	case "deny":
		err = a.Approvals.Deny(r.Context(), id)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": `decision must be "approve" or "deny"`})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type actionRequest struct {
	Scope       string          `json:"scope"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// Wait blocks the request until the action is resolved.
	Wait bool `json:"wait"`
}

type actionResponse struct {
	Decision types.Decision     `json:"decision"`
	Pattern  string             `json:"pattern,omitempty"`
	ActionID string             `json:"action_id,omitempty"`
	Status   types.ActionStatus `json:"status,omitempty"`
}

// createAction runs a top-level action request through the policy: Allow
// and Deny answer immediately, Ask queues an approval.
func (a *App) createAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeJSON(w, r, &req, "") {
		return
	}
	if strings.TrimSpace(req.Scope) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "scope is required"})
		return
	}
	res := a.Policy.Evaluate(r.Context(), req.Scope)
	out := actionResponse{Decision: res.Decision, Pattern: res.Pattern}
	switch res.Decision {
	case types.DecisionAllow:
		writeJSON(w, http.StatusOK, out)
		return
	case types.DecisionDeny:
		writeJSON(w, http.StatusForbidden, out)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = req.Scope
	}
	desc := req.Description
	if desc == "" {
		desc = req.Scope
	}
	action, err := a.Approvals.CreateAction(r.Context(), kind, req.Payload, desc)
	if err != nil {
		writeError(w, err)
		return
	}
	out.ActionID = action.ID
	out.Status = action.Status
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, out)
		return
	}

	resolution, err := a.Approvals.Wait(r.Context(), action.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out.Status = resolution.Status
	writeJSON(w, http.StatusOK, out)
}
