package coordinator

import (
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// SubAgent is a registered sub-agent. Active and CoordinatorManaged are
// separate flags: only Active gates tool execution, and a terminated agent
// stays registered with Active false until its name is reused.
type SubAgent struct {
	ID          string
	Name        string
	Role        string
	Task        string
	Tools       map[string]struct{}
	ScopePrefix string
	// PathPrefix confines filesystem tools to a workspace subdirectory.
	// Empty means the whole workspace.
	PathPrefix string

	Active             bool
	CoordinatorManaged bool
	CreatedAt          time.Time

	calls  atomic.Int64
	denied atomic.Int64
}

// AgentInfo is a read-only snapshot of a SubAgent.
type AgentInfo struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Role               string    `json:"role"`
	Task               string    `json:"task"`
	Tools              []string  `json:"tools"`
	ScopePrefix        string    `json:"scope_prefix"`
	PathPrefix         string    `json:"path_prefix,omitempty"`
	Active             bool      `json:"active"`
	CoordinatorManaged bool      `json:"coordinator_managed"`
	CreatedAt          time.Time `json:"created_at"`
	Calls              int64     `json:"calls"`
	Denied             int64     `json:"denied"`
}

func (a *SubAgent) info() AgentInfo {
	names := make([]string, 0, len(a.Tools))
	for t := range a.Tools {
		names = append(names, t)
	}
	slices.Sort(names)
	return AgentInfo{
		ID:                 a.ID,
		Name:               a.Name,
		Role:               a.Role,
		Task:               a.Task,
		Tools:              names,
		ScopePrefix:        a.ScopePrefix,
		PathPrefix:         a.PathPrefix,
		Active:             a.Active,
		CoordinatorManaged: a.CoordinatorManaged,
		CreatedAt:          a.CreatedAt,
		Calls:              a.calls.Load(),
		Denied:             a.denied.Load(),
	}
}

func (a *SubAgent) allows(tool string) bool {
	_, ok := a.Tools[tool]
	return ok
}

// inScope reports whether scope sits at or below prefix in the dotted
// hierarchy. "*" covers every scope.
func inScope(scope, prefix string) bool {
	if prefix == "*" {
		return true
	}
	if prefix == "" {
		return false
	}
	return scope == prefix || strings.HasPrefix(scope, prefix+".")
}

// inPath reports whether the workspace-relative path p stays under prefix.
// Absolute paths and parent references are refused outright; the file guard
// handles the workspace boundary itself.
func inPath(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	if p == "" || filepath.IsAbs(filepath.FromSlash(p)) {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return false
	}
	want := filepath.Clean(filepath.FromSlash(prefix))
	return clean == want || strings.HasPrefix(clean, want+string(filepath.Separator))
}
