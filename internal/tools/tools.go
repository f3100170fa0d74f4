// Package tools dispatches named tool invocations to their handlers and
// derives the permission scope each invocation is checked against.
//
// The registry is safe for concurrent use. Lookups take a read lock.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentsh/interlock/pkg/types"
)

// Builtin tool names.
const (
	FSRead    = "fs.read"
	FSWrite   = "fs.write"
	ShellExec = "shell.exec"
)

// Args are the string arguments of a tool call.
type Args map[string]string

// Result is what a tool returns to its caller.
type Result struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

// Provider executes tools by name.
type Provider interface {
	Invoke(ctx context.Context, tool string, args Args) (Result, error)
}

// Handler implements one tool.
type Handler func(ctx context.Context, args Args) (Result, error)

// ArgError reports a missing or malformed argument.
type ArgError struct {
	Tool string
	Arg  string
}

func (e *ArgError) Error() string { return fmt.Sprintf("%s: missing argument %q", e.Tool, e.Arg) }

func (e *ArgError) SafeReason() string { return "missing argument " + e.Arg }

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name. It reports whether a
// previous handler was replaced.
func (r *Registry) Register(name string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.handlers[name]
	r.handlers[name] = h
	return existed
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Invoke(ctx context.Context, tool string, args Args) (Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[tool]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", types.ErrToolNotImplemented, tool)
	}
	res, err := h(ctx, args)
	if err != nil {
		return Result{}, err
	}
	res.Tool = tool
	return res, nil
}

// Scope derives the permission scope for a tool call.
func Scope(tool string, args Args) string {
	switch tool {
	case FSRead:
		return "filesystem.read"
	case FSWrite:
		return "filesystem.write"
	case ShellExec:
		cmd := strings.TrimSpace(args["command"])
		if cmd == "" {
			return "shell"
		}
		return "shell." + cmd
	default:
		return tool
	}
}

// Path returns the workspace-relative path a filesystem tool touches.
func Path(tool string, args Args) (string, bool) {
	switch tool {
	case FSRead, FSWrite:
		return args["path"], true
	default:
		return "", false
	}
}
