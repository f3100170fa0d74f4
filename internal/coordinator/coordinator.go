// Package coordinator spawns sub-agents after a reasoning pre-flight and
// runs tools on their behalf. Every tool call passes identity, whitelist,
// scope and policy checks, in that order, before it reaches the provider.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agentsh/interlock/internal/approvals"
	"github.com/agentsh/interlock/internal/oracle"
	"github.com/agentsh/interlock/internal/policy"
	"github.com/agentsh/interlock/internal/tools"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxActive = 8

// ActionKindTool is the approval kind used for sub-agent tool calls.
const ActionKindTool = "agent_tool"

type SpawnRequest struct {
	Name string `json:"name"`
	Task string `json:"task"`
	Role string `json:"role"`
}

// SpawnRejectedError explains why a spawn was refused.
type SpawnRejectedError struct {
	Name   string
	Reason string
}

func (e *SpawnRejectedError) Error() string {
	return fmt.Sprintf("spawn %q rejected: %s", e.Name, e.Reason)
}

func (e *SpawnRejectedError) Unwrap() error { return types.ErrSpawnRejected }

func (e *SpawnRejectedError) SafeReason() string {
	return types.ErrSpawnRejected.Error() + ": " + e.Reason
}

// ToolDeniedError is a refused tool call. Err is ErrPermissionDenied.
type ToolDeniedError struct {
	Agent  string
	Tool   string
	Reason string
	Err    error
}

func (e *ToolDeniedError) Error() string {
	return fmt.Sprintf("agent %q tool %q: %v: %s", e.Agent, e.Tool, e.Err, e.Reason)
}

func (e *ToolDeniedError) Unwrap() error { return e.Err }

func (e *ToolDeniedError) SafeReason() string { return e.Err.Error() + ": " + e.Reason }

// SafeError carries a display-safe message; the original error is kept
// for errors.Is and logs.
type SafeError struct {
	Msg string
	Err error
}

func (e *SafeError) Error() string      { return e.Msg }
func (e *SafeError) Unwrap() error      { return e.Err }
func (e *SafeError) SafeReason() string { return e.Msg }

type Resolver interface {
	Evaluate(ctx context.Context, scope string) policy.Result
}

type Approver interface {
	CreateAction(ctx context.Context, kind string, payload any, description string) (approvals.PendingAction, error)
	Wait(ctx context.Context, id string) (approvals.Resolution, error)
}

type Auditor interface {
	Record(ctx context.Context, ev types.Event)
}

type Config struct {
	Roles     map[string]Role
	MaxActive int
	// ApprovalTimeout bounds how long a call waits on an Ask decision.
	// Zero waits until the action is resolved or ctx ends.
	ApprovalTimeout time.Duration
}

type Coordinator struct {
	mu     sync.RWMutex
	agents map[string]*SubAgent

	roles       map[string]Role
	slots       *semaphore.Weighted
	waitTimeout time.Duration

	policy   Resolver
	approver Approver
	provider tools.Provider
	reasoner oracle.Reasoner
	auditor  Auditor
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Coordinator)

func WithAuditor(a Auditor) Option { return func(c *Coordinator) { c.auditor = a } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New wires a coordinator. A nil reasoner refuses every spawn.
func New(cfg Config, pol Resolver, approver Approver, provider tools.Provider, reasoner oracle.Reasoner, opts ...Option) *Coordinator {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRoles()
	}
	if reasoner == nil {
		reasoner = oracle.Unavailable
	}
	c := &Coordinator{
		agents:      make(map[string]*SubAgent),
		roles:       cfg.Roles,
		slots:       semaphore.NewWeighted(int64(cfg.MaxActive)),
		waitTimeout: cfg.ApprovalTimeout,
		policy:      pol,
		approver:    approver,
		provider:    provider,
		reasoner:    reasoner,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Spawn validates the plan with the reasoning oracle and registers the
// agent on an unambiguous VALID verdict. Anything else, including an
// oracle failure, is a rejection.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (AgentInfo, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return AgentInfo{}, c.rejectSpawn(ctx, req, "name is required")
	}
	role, ok := c.roles[req.Role]
	if !ok {
		return AgentInfo{}, c.rejectSpawn(ctx, req, "unknown role")
	}
	if c.activeNamed(req.Name) {
		return AgentInfo{}, c.rejectSpawn(ctx, req, "an active agent with this name exists")
	}
	if !c.slots.TryAcquire(1) {
		return AgentInfo{}, c.rejectSpawn(ctx, req, "too many active agents")
	}

	verdict, err := c.reasoner.Reason(ctx, spawnPrompt(req, role))
	if err != nil {
		c.slots.Release(1)
		c.log.Warn("coordinator: reasoning oracle failed", "agent", req.Name, "error", err)
		return AgentInfo{}, c.rejectSpawn(ctx, req, "plan could not be validated")
	}
	if !acceptVerdict(verdict) {
		c.slots.Release(1)
		return AgentInfo{}, c.rejectSpawn(ctx, req, verdictReason(verdict))
	}

	a := &SubAgent{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Role:               req.Role,
		Task:               req.Task,
		Tools:              make(map[string]struct{}, len(role.Tools)),
		ScopePrefix:        role.ScopePrefix,
		PathPrefix:         role.PathPrefix,
		Active:             true,
		CoordinatorManaged: true,
		CreatedAt:          c.now().UTC(),
	}
	for _, t := range role.Tools {
		a.Tools[t] = struct{}{}
	}

	c.mu.Lock()
	if prev := c.agents[req.Name]; prev != nil && prev.Active {
		c.mu.Unlock()
		c.slots.Release(1)
		return AgentInfo{}, c.rejectSpawn(ctx, req, "an active agent with this name exists")
	}
	c.agents[req.Name] = a
	info := a.info()
	c.mu.Unlock()

	c.audit(ctx, types.Event{
		Type:   types.EventAgentSpawned,
		Agent:  a.Name,
		Scope:  a.ScopePrefix,
		Fields: map[string]any{"agent_id": a.ID, "role": a.Role},
	})
	return info, nil
}

func (c *Coordinator) activeNamed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.agents[name]
	return a != nil && a.Active
}

func (c *Coordinator) rejectSpawn(ctx context.Context, req SpawnRequest, reason string) error {
	c.audit(ctx, types.Event{
		Type:   types.EventAgentRejected,
		Agent:  req.Name,
		Reason: reason,
		Fields: map[string]any{"role": req.Role},
	})
	return &SpawnRejectedError{Name: req.Name, Reason: reason}
}

func spawnPrompt(req SpawnRequest, role Role) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", req.Role)
	fmt.Fprintf(&b, "Tools: %s\n", strings.Join(role.Tools, ", "))
	fmt.Fprintf(&b, "Scope: %s\n", role.ScopePrefix)
	if role.PathPrefix != "" {
		fmt.Fprintf(&b, "Directory: %s\n", role.PathPrefix)
	}
	fmt.Fprintf(&b, "Task: %s\n", req.Task)
	b.WriteString("Is this plan valid? Answer VALID or INVALID with a reason.")
	return b.String()
}

const validToken = "VALID"

// acceptVerdict accepts only text whose first token is exactly VALID.
func acceptVerdict(text string) bool {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, validToken) {
		return false
	}
	rest := t[len(validToken):]
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r) || strings.ContainsRune(".,:;!", r)
}

var absPath = regexp.MustCompile(`(^|[\s"'(=])(/[^\s"')]+)`)

const maxReasonLen = 200

func verdictReason(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return "plan was not validated"
	}
	t = strings.TrimSpace(strings.TrimPrefix(t, "INVALID"))
	t = strings.TrimLeft(t, ".,:;!- ")
	if t == "" {
		return "plan was not validated"
	}
	t = absPath.ReplaceAllString(t, "$1<path>")
	if len(t) > maxReasonLen {
		t = strings.ToValidUTF8(t[:maxReasonLen], "") + "..."
	}
	return "plan was not validated: " + t
}

// ExecuteTool runs tool for the named agent.
func (c *Coordinator) ExecuteTool(ctx context.Context, name, tool string, args tools.Args) (tools.Result, error) {
	c.mu.RLock()
	a := c.agents[name]
	active := a != nil && a.Active
	var scopePrefix, pathPrefix string
	var whitelisted bool
	if active {
		scopePrefix, pathPrefix = a.ScopePrefix, a.PathPrefix
		whitelisted = a.allows(tool)
	}
	c.mu.RUnlock()

	scope := tools.Scope(tool, args)
	deny := func(reason string, err error) (tools.Result, error) {
		if a != nil {
			a.denied.Add(1)
		}
		c.audit(ctx, types.Event{
			Type:   types.EventToolRejected,
			Agent:  name,
			Scope:  scope,
			Reason: reason,
			Fields: map[string]any{"tool": tool},
		})
		return tools.Result{}, c.sanitize(&ToolDeniedError{Agent: name, Tool: tool, Reason: reason, Err: err})
	}

	if !active {
		return deny("agent is not active", types.ErrPermissionDenied)
	}
	if !whitelisted {
		return deny("tool is not in the agent whitelist", types.ErrPermissionDenied)
	}
	if !inScope(scope, scopePrefix) {
		return deny("scope is outside the agent scope", types.ErrPermissionDenied)
	}
	if p, ok := tools.Path(tool, args); ok && !inPath(p, pathPrefix) {
		return deny("path is outside the agent directory", types.ErrPermissionDenied)
	}

	res := c.policy.Evaluate(ctx, scope)
	switch res.Decision {
	case types.DecisionAllow:
	case types.DecisionAsk:
		approved, reason, err := c.askApproval(ctx, name, tool, scope, args)
		if err != nil {
			return tools.Result{}, c.sanitize(err)
		}
		if !approved {
			return deny(reason, types.ErrPermissionDenied)
		}
		// The agent may have been terminated or replaced while waiting.
		if !c.stillActive(name, a) {
			return deny("agent is not active", types.ErrPermissionDenied)
		}
	default:
		return deny("denied by policy", types.ErrPermissionDenied)
	}

	a.calls.Add(1)
	out, err := c.provider.Invoke(ctx, tool, args)
	if err != nil {
		if !errors.Is(err, types.ErrToolNotImplemented) {
			c.log.Warn("coordinator: tool failed", "agent", name, "tool", tool, "error", err)
		}
		return tools.Result{}, c.sanitize(err)
	}
	c.audit(ctx, types.Event{
		Type:   types.EventToolExecuted,
		Agent:  name,
		Scope:  scope,
		Fields: map[string]any{"tool": tool, "decision": string(res.Decision)},
	})
	return out, nil
}

func (c *Coordinator) stillActive(name string, a *SubAgent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[name] == a && a.Active
}

// askApproval queues the call and blocks until a reviewer answers.
func (c *Coordinator) askApproval(ctx context.Context, name, tool, scope string, args tools.Args) (bool, string, error) {
	desc := fmt.Sprintf("agent %s wants to run %s (%s)", name, tool, scope)
	action, err := c.approver.CreateAction(ctx, ActionKindTool, toolCall{Agent: name, Tool: tool, Args: args}, desc)
	if err != nil {
		return false, "", err
	}
	wctx := ctx
	if c.waitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.waitTimeout)
		defer cancel()
	}
	r, err := c.approver.Wait(wctx, action.ID)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return false, "approval timed out", nil
		case errors.Is(err, context.Canceled):
			return false, "approval canceled", nil
		}
		return false, "", err
	}
	if r.Status != types.StatusApproved {
		return false, "denied by reviewer", nil
	}
	return true, "", nil
}

type toolCall struct {
	Agent string
	Tool  string
	Args  tools.Args
}

// sanitize replaces err's text with its display-safe form.
func (c *Coordinator) sanitize(err error) error {
	if err == nil {
		return nil
	}
	return &SafeError{Msg: types.SafeMessage(err), Err: err}
}

// Terminate deactivates the named agent. It stays registered, inactive,
// until a new spawn reuses the name.
func (c *Coordinator) Terminate(ctx context.Context, name string) error {
	c.mu.Lock()
	a := c.agents[name]
	if a == nil || !a.Active {
		c.mu.Unlock()
		return fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	a.Active = false
	c.mu.Unlock()
	c.slots.Release(1)

	c.audit(ctx, types.Event{
		Type:   types.EventAgentTerminated,
		Agent:  name,
		Fields: map[string]any{"agent_id": a.ID},
	})
	return nil
}

var ErrAgentNotFound = errors.New("no active agent")

func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, a := range c.agents {
		if a.Active {
			n++
		}
	}
	return n
}

func (c *Coordinator) Get(name string) (AgentInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[name]
	if !ok {
		return AgentInfo{}, false
	}
	return a.info(), true
}

// List returns all registered agents sorted by name.
func (c *Coordinator) List() []AgentInfo {
	c.mu.RLock()
	out := make([]AgentInfo, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.info())
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(x, y AgentInfo) int { return strings.Compare(x.Name, y.Name) })
	return out
}

func (c *Coordinator) audit(ctx context.Context, ev types.Event) {
	if c.auditor != nil {
		c.auditor.Record(ctx, ev)
	}
}
