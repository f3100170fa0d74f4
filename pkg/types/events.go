package types

import "time"

type PolicyInfo struct {
	Decision Decision `json:"decision,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	List     string   `json:"list,omitempty"` // "allow" | "deny"
}

// Event is one audit record. Payloads and file contents never go here.
type Event struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Scope     string      `json:"scope,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	ActionID  string      `json:"action_id,omitempty"`
	Policy    *PolicyInfo `json:"policy,omitempty"`

	// Common convenience fields for indexing/search.
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	Types    []string
	Agent    string
	ActionID string
	Since    *time.Time
	Until    *time.Time

	Decision *Decision

	ScopeLike string
	PathLike  string

	Limit  int
	Offset int
	Asc    bool
}

const (
	EventPolicyDenied      = "policy_denied"
	EventPatternAdded      = "policy_pattern_added"
	EventPolicyReloaded    = "policy_reloaded"
	EventFSViolation       = "fs_violation"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventEscalationCalled  = "escalation_called"
	EventEscalationSkipped = "escalation_skipped"
	EventAgentSpawned      = "agent_spawned"
	EventAgentRejected     = "agent_spawn_rejected"
	EventAgentTerminated   = "agent_terminated"
	EventToolExecuted      = "tool_executed"
	EventToolRejected      = "tool_rejected"
)
