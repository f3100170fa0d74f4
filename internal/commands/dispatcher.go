// Package commands parses admin chat commands such as "!approve <id>" and
// applies them to the approval queue and the policy engine.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/interlock/internal/approvals"
	"github.com/agentsh/interlock/internal/auth"
	"github.com/agentsh/interlock/internal/policy"
	"github.com/agentsh/interlock/pkg/types"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

type Queue interface {
	Approve(ctx context.Context, id string) (any, error)
	Deny(ctx context.Context, id string) error
	ApproveLatest(ctx context.Context) (approvals.PendingAction, error)
	DenyLatest(ctx context.Context) (approvals.PendingAction, error)
	List() []approvals.PendingAction
	Depth() int
	VerifyCode(code string) error
}

type PatternAdder interface {
	AddPattern(ctx context.Context, level policy.Level, pattern string) error
}

type AgentCounter interface {
	ActiveCount() int
}

// Dispatcher handles one command line at a time. Agents may be nil.
type Dispatcher struct {
	queue    Queue
	patterns PatternAdder
	agents   AgentCounter
}

func NewDispatcher(q Queue, p PatternAdder, a AgentCounter) *Dispatcher {
	return &Dispatcher{queue: q, patterns: p, agents: a}
}

const helpText = `!approve <id> [code]  approve a pending action
!yes [code]           approve the latest pending action
!deny <id>            deny a pending action
!no                   deny the latest pending action
!allow <pattern>      add an allow pattern
!pending              list pending actions
!health               queue depth and active sub-agents`

// Handle runs line and returns the reply text.
func (d *Dispatcher) Handle(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch strings.ToLower(name) {
	case "!approve":
		if len(args) < 1 || len(args) > 2 {
			return "", fmt.Errorf("%w: !approve <id> [code]", ErrUsage)
		}
		if err := d.queue.VerifyCode(optional(args, 1)); err != nil {
			return "", err
		}
		if _, err := d.queue.Approve(ctx, args[0]); err != nil {
			return "", err
		}
		return "Approved " + args[0], nil

	case "!yes":
		if len(args) > 1 {
			return "", fmt.Errorf("%w: !yes [code]", ErrUsage)
		}
		if err := d.queue.VerifyCode(optional(args, 0)); err != nil {
			return "", err
		}
		a, err := d.queue.ApproveLatest(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Approved %s: %s", a.ID, a.Description), nil

	case "!deny":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: !deny <id>", ErrUsage)
		}
		if err := d.queue.Deny(ctx, args[0]); err != nil {
			return "", err
		}
		return "Denied " + args[0], nil

	case "!no":
		a, err := d.queue.DenyLatest(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Denied %s: %s", a.ID, a.Description), nil

	case "!allow":
		// The pattern is the rest of the line; shell patterns contain spaces.
		// Widening the policy is admin-only; approvers resolve actions.
		if !auth.Require(ctx, auth.RoleAdmin) {
			return "", fmt.Errorf("%w: !allow requires the admin role", types.ErrPermissionDenied)
		}
		if rest == "" {
			return "", fmt.Errorf("%w: !allow <pattern>", ErrUsage)
		}
		if err := d.patterns.AddPattern(ctx, policy.LevelAllow, rest); err != nil {
			return "", err
		}
		return "Allowed " + rest, nil

	case "!pending":
		list := d.queue.List()
		if len(list) == 0 {
			return "No pending actions", nil
		}
		var b strings.Builder
		for i, a := range list {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s [%s] %s", a.ID, a.Kind, a.Description)
		}
		return b.String(), nil

	case "!health":
		active := 0
		if d.agents != nil {
			active = d.agents.ActiveCount()
		}
		return fmt.Sprintf("OK: %d pending, %d active sub-agents", d.queue.Depth(), active), nil

	case "!help":
		return helpText, nil

	default:
		return "", fmt.Errorf("%w %q, try !help", ErrUnknownCommand, name)
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
