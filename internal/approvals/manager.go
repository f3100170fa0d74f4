package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/agentsh/interlock/internal/notify"
	"github.com/agentsh/interlock/internal/oracle"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrQueueEmpty is returned by the *Latest operations when nothing is
	// pending. The queue is left untouched.
	ErrQueueEmpty  = errors.New("no pending actions")
	ErrClosed      = errors.New("approval queue closed")
	ErrInvalidCode = errors.New("invalid approval code")
)

const DefaultEscalationDelay = 300 * time.Second

// keep this many resolved actions so Wait can still report them
const recentLimit = 256

type PendingAction struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Payload     any                `json:"-"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
	Status      types.ActionStatus `json:"status"`
}

type Resolution struct {
	ID      string
	Status  types.ActionStatus
	Payload any
}

type Auditor interface {
	Record(ctx context.Context, ev types.Event)
}

type EscalationCounter interface {
	IncEscalationCall()
	IncEscalationSkipped()
}

type Config struct {
	EscalationDelay time.Duration
	AdminPhone      string
	// DND suppresses the escalation call during the given hours. Nil means
	// no hour window.
	DND *DNDWindow
	// Location is used for the DND hour; defaults to time.Local.
	Location *time.Location
	// TOTPSecret, when set, makes approvals require a code.
	TOTPSecret string
}

// Manager owns the pending-action queue. All queue mutations happen under
// mu; an escalation timer checks and marks its action under the same lock,
// so approve/deny and the timer are single-writer per id.
type Manager struct {
	cfg      Config
	clock    Clock
	notifier notify.Channel
	voice    oracle.Voice
	calendar oracle.Calendar
	auditor  Auditor
	counter  EscalationCounter
	log      *slog.Logger

	mu          sync.Mutex
	pending     map[string]*entry
	order       []string
	recent      map[string]*entry
	recentOrder []string
	closed      bool
	closedCh    chan struct{}
	inflight    sync.WaitGroup
}

type entry struct {
	action     PendingAction
	timer      Timer
	escalating bool

	// ctx is canceled on resolution so an in-flight call is abandoned.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }
func WithNotifier(n notify.Channel) Option { return func(m *Manager) { m.notifier = n } }
func WithVoice(v oracle.Voice) Option { return func(m *Manager) { m.voice = v } }
func WithCalendar(c oracle.Calendar) Option { return func(m *Manager) { m.calendar = c } }
func WithAuditor(a Auditor) Option { return func(m *Manager) { m.auditor = a } }
func WithCounter(c EscalationCounter) Option { return func(m *Manager) { m.counter = c } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func New(cfg Config, opts ...Option) *Manager {
	if cfg.EscalationDelay <= 0 {
		cfg.EscalationDelay = DefaultEscalationDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	m := &Manager{
		cfg:      cfg,
		clock:    RealClock{},
		log:      slog.Default(),
		pending:  make(map[string]*entry),
		recent:   make(map[string]*entry),
		closedCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateAction queues a new pending action, notifies the admin channels
// and arms its escalation timer.
func (m *Manager) CreateAction(ctx context.Context, kind string, payload any, description string) (PendingAction, error) {
	ectx, cancel := context.WithCancel(context.Background())
	e := &entry{
		action: PendingAction{
			Kind:        kind,
			Payload:     payload,
			Description: description,
			CreatedAt:   m.clock.Now().UTC(),
			Status:      types.StatusPending,
		},
		ctx:    ectx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return PendingAction{}, ErrClosed
	}
	id := uuid.NewString()
	for m.pending[id] != nil || m.recent[id] != nil {
		id = uuid.NewString()
	}
	e.action.ID = id
	m.pending[id] = e
	m.order = append(m.order, id)
	e.timer = m.clock.AfterFunc(m.cfg.EscalationDelay, func() { m.escalate(id) })
	action := e.action
	m.mu.Unlock()

	m.audit(ctx, types.Event{
		Type:      types.EventApprovalRequested,
		ActionID:  id,
		Operation: kind,
	})
	m.broadcast(ctx, notify.Message{
		Kind:     notify.KindApprovalRequired,
		ActionID: id,
		Text: fmt.Sprintf("Approval required: %s\nID: %s\nReply !approve %s or !deny %s (!yes / !no act on the latest).",
			description, id, id, id),
	})
	return action, nil
}

// Approve resolves id as approved and returns its payload for execution.
func (m *Manager) Approve(ctx context.Context, id string) (any, error) {
	m.mu.Lock()
	e, err := m.resolveLocked(id, types.StatusApproved)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.resolved(ctx, e)
	return e.action.Payload, nil
}

// Deny resolves id as denied; the payload is discarded.
func (m *Manager) Deny(ctx context.Context, id string) error {
	m.mu.Lock()
	e, err := m.resolveLocked(id, types.StatusDenied)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.resolved(ctx, e)
	return nil
}

// ApproveLatest approves the most recently created pending action.
func (m *Manager) ApproveLatest(ctx context.Context) (PendingAction, error) {
	return m.resolveLatest(ctx, types.StatusApproved)
}

// DenyLatest denies the most recently created pending action.
func (m *Manager) DenyLatest(ctx context.Context) (PendingAction, error) {
	return m.resolveLatest(ctx, types.StatusDenied)
}

func (m *Manager) resolveLatest(ctx context.Context, status types.ActionStatus) (PendingAction, error) {
	m.mu.Lock()
	if len(m.order) == 0 {
		m.mu.Unlock()
		return PendingAction{}, ErrQueueEmpty
	}
	e, err := m.resolveLocked(m.order[len(m.order)-1], status)
	m.mu.Unlock()
	if err != nil {
		return PendingAction{}, err
	}
	m.resolved(ctx, e)
	return e.action, nil
}

func (m *Manager) resolveLocked(id string, status types.ActionStatus) (*entry, error) {
	e, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrActionNotFound, id)
	}
	delete(m.pending, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })

	e.action.Status = status
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
	close(e.done)

	m.recent[id] = e
	m.recentOrder = append(m.recentOrder, id)
	if len(m.recentOrder) > recentLimit {
		delete(m.recent, m.recentOrder[0])
		m.recentOrder = m.recentOrder[1:]
	}
	return e, nil
}

func (m *Manager) resolved(ctx context.Context, e *entry) {
	m.audit(ctx, types.Event{
		Type:      types.EventApprovalResolved,
		ActionID:  e.action.ID,
		Operation: e.action.Kind,
		Fields:    map[string]any{"status": string(e.action.Status)},
	})
	m.broadcast(ctx, notify.Message{
		Kind:     notify.KindApprovalResolved,
		ActionID: e.action.ID,
		Text:     fmt.Sprintf("Action %s %s.", e.action.ID, e.action.Status),
	})
}

// Wait blocks until id is resolved, ctx is done or the manager closes.
// Recently resolved actions are still reported.
func (m *Manager) Wait(ctx context.Context, id string) (Resolution, error) {
	m.mu.Lock()
	e := m.pending[id]
	if e == nil {
		e = m.recent[id]
	}
	m.mu.Unlock()
	if e == nil {
		return Resolution{}, fmt.Errorf("%w: %s", types.ErrActionNotFound, id)
	}

	select {
	case <-e.done:
		return Resolution{ID: id, Status: e.action.Status, Payload: e.action.Payload}, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-m.closedCh:
		return Resolution{}, ErrClosed
	}
}

// Get returns a pending action.
func (m *Manager) Get(id string) (PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if !ok {
		return PendingAction{}, false
	}
	return e.action, true
}

// Depth is the number of pending actions.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// List returns the pending actions, oldest first.
func (m *Manager) List() []PendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingAction, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id].action)
	}
	return out
}

// RequiresCode reports whether approvals need a TOTP code.
func (m *Manager) RequiresCode() bool {
	return m.cfg.TOTPSecret != ""
}

// VerifyCode checks an approval code. It always succeeds when no TOTP
// secret is configured.
func (m *Manager) VerifyCode(code string) error {
	if !m.RequiresCode() {
		return nil
	}
	if code == "" || !ValidateTOTPCode(code, m.cfg.TOTPSecret) {
		return ErrInvalidCode
	}
	return nil
}

// Close stops every escalation timer and waits for in-flight escalations.
// Pending actions stay unresolved; waiters get ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.closedCh)
	for _, e := range m.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.cancel()
	}
	m.mu.Unlock()
	m.inflight.Wait()
}

func (m *Manager) audit(ctx context.Context, ev types.Event) {
	if m.auditor != nil {
		m.auditor.Record(ctx, ev)
	}
}

func (m *Manager) broadcast(ctx context.Context, msg notify.Message) {
	if m.notifier == nil {
		return
	}
	msg.Recipient = notify.RecipientAdmin
	if msg.Time.IsZero() {
		msg.Time = m.clock.Now().UTC()
	}
	if err := m.notifier.Broadcast(ctx, msg); err != nil {
		m.log.Warn("approvals: notification failed", "action_id", msg.ActionID, "kind", msg.Kind, "error", err)
	}
}
