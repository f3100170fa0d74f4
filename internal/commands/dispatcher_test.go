package commands

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentsh/interlock/internal/approvals"
	"github.com/agentsh/interlock/internal/auth"
	"github.com/agentsh/interlock/internal/policy"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAgents int

func (n fixedAgents) ActiveCount() int { return int(n) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, cfg approvals.Config) (*Dispatcher, *approvals.Manager, *policy.Engine) {
	t.Helper()
	if cfg.EscalationDelay == 0 {
		cfg.EscalationDelay = time.Hour
	}
	q := approvals.New(cfg, approvals.WithLogger(quietLogger()))
	t.Cleanup(q.Close)
	e, err := policy.NewEngine(policy.Policy{}, policy.WithLogger(quietLogger()))
	require.NoError(t, err)
	return NewDispatcher(q, e, fixedAgents(2)), q, e
}

func TestApproveByID(t *testing.T) {
	d, q, _ := setup(t, approvals.Config{})
	ctx := context.Background()
	a, err := q.CreateAction(ctx, "shell", "make deploy", "run make deploy")
	require.NoError(t, err)

	out, err := d.Handle(ctx, "!approve "+a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Approved "+a.ID, out)
	assert.Zero(t, q.Depth())

	_, err = d.Handle(ctx, "!approve "+a.ID)
	assert.ErrorIs(t, err, types.ErrActionNotFound)
}

func TestYesNoActOnLatest(t *testing.T) {
	d, q, _ := setup(t, approvals.Config{})
	ctx := context.Background()
	first, _ := q.CreateAction(ctx, "shell", nil, "first")
	second, _ := q.CreateAction(ctx, "shell", nil, "second")

	out, err := d.Handle(ctx, "!no")
	require.NoError(t, err)
	assert.Equal(t, "Denied "+second.ID+": second", out)

	out, err = d.Handle(ctx, "  !YES ")
	require.NoError(t, err)
	assert.Equal(t, "Approved "+first.ID+": first", out)

	_, err = d.Handle(ctx, "!yes")
	assert.ErrorIs(t, err, approvals.ErrQueueEmpty)
}

func TestDenyByID(t *testing.T) {
	d, q, _ := setup(t, approvals.Config{})
	ctx := context.Background()
	a, _ := q.CreateAction(ctx, "fs", nil, "write file")

	out, err := d.Handle(ctx, "!deny "+a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Denied "+a.ID, out)

	r, err := q.Wait(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, r.Status)
}

func TestAllowAddsPattern(t *testing.T) {
	d, _, e := setup(t, approvals.Config{})
	ctx := context.Background()
	assert.Equal(t, types.DecisionAsk, e.Resolve("shell.git status"))

	out, err := d.Handle(ctx, "!allow shell.git status")
	require.NoError(t, err)
	assert.Equal(t, "Allowed shell.git status", out)
	assert.Equal(t, types.DecisionAllow, e.Resolve("shell.git status --short"))

	_, err = d.Handle(ctx, "!allow")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestAllowRequiresAdmin(t *testing.T) {
	d, _, e := setup(t, approvals.Config{})

	_, err := d.Handle(auth.WithRole(context.Background(), auth.RoleApprover), "!allow *")
	require.ErrorIs(t, err, types.ErrPermissionDenied)
	assert.Empty(t, e.Patterns().Allow)

	_, err = d.Handle(auth.WithRole(context.Background(), auth.RoleAgent), "!allow shell.ls")
	require.ErrorIs(t, err, types.ErrPermissionDenied)

	out, err := d.Handle(auth.WithRole(context.Background(), auth.RoleAdmin), "!allow shell.ls")
	require.NoError(t, err)
	assert.Equal(t, "Allowed shell.ls", out)
}

func TestApproverCanStillResolve(t *testing.T) {
	d, q, _ := setup(t, approvals.Config{})
	ctx := auth.WithRole(context.Background(), auth.RoleApprover)
	a, err := q.CreateAction(ctx, "k", nil, "desc")
	require.NoError(t, err)

	out, err := d.Handle(ctx, "!deny "+a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Denied "+a.ID, out)
}

func TestPendingAndHealth(t *testing.T) {
	d, q, _ := setup(t, approvals.Config{})
	ctx := context.Background()

	out, err := d.Handle(ctx, "!pending")
	require.NoError(t, err)
	assert.Equal(t, "No pending actions", out)

	a, _ := q.CreateAction(ctx, "shell", nil, "run tests")
	out, err = d.Handle(ctx, "!pending")
	require.NoError(t, err)
	assert.Equal(t, a.ID+" [shell] run tests", out)

	out, err = d.Handle(ctx, "!health")
	require.NoError(t, err)
	assert.Equal(t, "OK: 1 pending, 2 active sub-agents", out)
}

func TestUsageAndUnknown(t *testing.T) {
	d, _, _ := setup(t, approvals.Config{})
	ctx := context.Background()
	for _, line := range []string{"!approve", "!approve a b c", "!deny", "!yes 1 2"} {
		_, err := d.Handle(ctx, line)
		assert.ErrorIs(t, err, ErrUsage, line)
	}
	_, err := d.Handle(ctx, "!reboot")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	out, err := d.Handle(ctx, "!help")
	require.NoError(t, err)
	assert.Contains(t, out, "!approve <id> [code]")
}

func TestApproveRequiresCode(t *testing.T) {
	secret, err := approvals.GenerateTOTPSecret()
	require.NoError(t, err)
	d, q, _ := setup(t, approvals.Config{TOTPSecret: secret})
	ctx := context.Background()
	a, _ := q.CreateAction(ctx, "shell", nil, "deploy")

	_, err = d.Handle(ctx, "!approve "+a.ID)
	require.ErrorIs(t, err, approvals.ErrInvalidCode)
	_, err = d.Handle(ctx, "!yes 000000x")
	require.ErrorIs(t, err, approvals.ErrInvalidCode)
	assert.Equal(t, 1, q.Depth())

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	_, err = d.Handle(ctx, "!approve "+a.ID+" "+code)
	require.NoError(t, err)
	assert.Zero(t, q.Depth())

	// Denials never need a code.
	b, _ := q.CreateAction(ctx, "shell", nil, "deploy again")
	_, err = d.Handle(ctx, "!deny "+b.ID)
	require.NoError(t, err)
}
