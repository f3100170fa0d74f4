package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentsh/interlock/pkg/types"
)

// Auditor receives deny decisions and pattern changes.
type Auditor interface {
	Record(ctx context.Context, ev types.Event)
}

// DecisionCounter is the metrics hook for resolved decisions.
type DecisionCounter interface {
	IncDecision(decision string)
}

// Level selects which list a runtime pattern is added to.
type Level string

const (
	LevelAllow Level = "allow"
	LevelDeny  Level = "deny"
)

// Result is a decision plus the pattern that produced it. Pattern is empty
// for the default Ask.
type Result struct {
	Decision types.Decision `json:"decision"`
	Pattern  string         `json:"pattern,omitempty"`
	List     string         `json:"list,omitempty"`
}

type Engine struct {
	mu     sync.RWMutex
	policy Policy
	allow  []matcher
	deny   []matcher

	store   Store
	auditor Auditor
	counter DecisionCounter
	log     *slog.Logger
}

type Option func(*Engine)

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.auditor = a } }

// WithStore persists runtime pattern additions.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithCounter(c DecisionCounter) Option { return func(e *Engine) { e.counter = c } }

func NewEngine(p Policy, opts ...Option) (*Engine, error) {
	e := &Engine{log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	if err := e.load(p); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}
	allow, err := compileAll(p.Allow)
	if err != nil {
		return err
	}
	deny, err := compileAll(p.Deny)
	if err != nil {
		return err
	}
	e.warnWildcard(p)

	e.mu.Lock()
	e.policy = p.Clone()
	e.allow = allow
	e.deny = deny
	e.mu.Unlock()
	return nil
}

func compileAll(patterns []string) ([]matcher, error) {
	out := make([]matcher, 0, len(patterns))
	for _, raw := range patterns {
		m, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// An allow "*" turns every scope not explicitly denied into Allow, which
// switches the interlock off. It is legal but always worth a warning.
func (e *Engine) warnWildcard(p Policy) {
	for _, pat := range p.Allow {
		if pat == Wildcard {
			e.log.Warn("policy: allow wildcard disables the interlock for every non-denied scope")
			return
		}
	}
}

// Resolve maps scope to Allow, Deny or Ask.
func (e *Engine) Resolve(scope string) types.Decision {
	return e.Evaluate(context.Background(), scope).Decision
}

// Evaluate is Resolve with the matching pattern. Deny decisions are audited
// with the scope and pattern only.
func (e *Engine) Evaluate(ctx context.Context, scope string) Result {
	res := e.evaluate(scope)
	if e.counter != nil {
		e.counter.IncDecision(string(res.Decision))
	}
	if res.Decision == types.DecisionDeny && e.auditor != nil {
		e.auditor.Record(ctx, types.Event{
			Type:  types.EventPolicyDenied,
			Scope: scope,
			Policy: &types.PolicyInfo{
				Decision: res.Decision,
				Pattern:  res.Pattern,
				List:     res.List,
			},
		})
	}
	return res
}

func (e *Engine) evaluate(scope string) Result {
	scope = strings.TrimSpace(scope)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, m := range e.deny {
		if m.match(scope) {
			return Result{Decision: types.DecisionDeny, Pattern: m.raw, List: string(LevelDeny)}
		}
	}
	if scope == "" {
		return Result{Decision: types.DecisionAsk}
	}
	for _, m := range e.allow {
		if m.match(scope) {
			return Result{Decision: types.DecisionAllow, Pattern: m.raw, List: string(LevelAllow)}
		}
	}
	return Result{Decision: types.DecisionAsk}
}

// AddPattern appends pattern to the given list and persists the new policy
// when a store is configured. A failed save leaves the engine unchanged.
func (e *Engine) AddPattern(ctx context.Context, level Level, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	m, err := compilePattern(pattern)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.policy.Clone()
	switch level {
	case LevelAllow:
		if containsString(next.Allow, pattern) {
			return nil
		}
		next.Allow = append(next.Allow, pattern)
	case LevelDeny:
		if containsString(next.Deny, pattern) {
			return nil
		}
		next.Deny = append(next.Deny, pattern)
	default:
		return fmt.Errorf("invalid level %q", level)
	}

	if e.store != nil {
		if err := e.store.Save(next); err != nil {
			return fmt.Errorf("persist policy: %w", err)
		}
	}

	e.policy = next
	if level == LevelAllow {
		e.allow = append(e.allow, m)
		if pattern == Wildcard {
			e.log.Warn("policy: allow wildcard disables the interlock for every non-denied scope")
		}
	} else {
		e.deny = append(e.deny, m)
	}

	if e.auditor != nil {
		e.auditor.Record(ctx, types.Event{
			Type:   types.EventPatternAdded,
			Policy: &types.PolicyInfo{Pattern: pattern, List: string(level)},
		})
	}
	return nil
}

// Replace swaps the whole policy, e.g. after the policy file changed on
// disk. An invalid policy is rejected and the current one stays active.
func (e *Engine) Replace(ctx context.Context, p Policy) error {
	if err := e.load(p); err != nil {
		return err
	}
	if e.auditor != nil {
		e.auditor.Record(ctx, types.Event{
			Type: types.EventPolicyReloaded,
			Fields: map[string]any{
				"allow": len(p.Allow),
				"deny":  len(p.Deny),
			},
		})
	}
	return nil
}

// Patterns returns a copy of the active policy.
func (e *Engine) Patterns() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
