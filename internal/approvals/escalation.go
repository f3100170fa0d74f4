package approvals

import (
	"context"
	"fmt"

	"github.com/agentsh/interlock/internal/notify"
	"github.com/agentsh/interlock/pkg/types"
)

// escalate runs once per action when its timer fires. It never resolves
// the action and never reschedules itself.
func (m *Manager) escalate(id string) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok || m.closed || e.escalating {
		m.mu.Unlock()
		return
	}
	e.escalating = true
	action := e.action
	ctx := e.ctx
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	if reason, skip := m.doNotDisturb(ctx); skip {
		m.skipped(ctx, action, reason)
		return
	}
	if m.voice == nil {
		m.skipped(ctx, action, "no voice provider configured")
		return
	}
	if m.cfg.AdminPhone == "" {
		m.skipped(ctx, action, "no admin phone configured")
		return
	}

	// The calendar check may have taken a while.
	if !m.stillPending(id) || ctx.Err() != nil {
		return
	}

	callID, err := m.voice.MakeCall(ctx, m.cfg.AdminPhone, escalationScript(action), true)
	if err != nil {
		if ctx.Err() != nil {
			m.log.Debug("approvals: escalation call abandoned, action resolved", "action_id", id)
			return
		}
		m.log.Warn("approvals: escalation call failed", "action_id", id, "error", err)
		m.skipped(ctx, action, "voice call failed")
		return
	}

	if m.counter != nil {
		m.counter.IncEscalationCall()
	}
	m.audit(ctx, types.Event{
		Type:     types.EventEscalationCalled,
		ActionID: id,
		Fields:   map[string]any{"call_id": callID},
	})
	m.broadcast(ctx, notify.Message{
		Kind:     notify.KindEscalation,
		ActionID: id,
		Text:     fmt.Sprintf("Action %s is still pending; calling the admin phone.", id),
	})
}

// doNotDisturb applies the hour window first, then the calendar. Calendar
// failures count as not busy.
func (m *Manager) doNotDisturb(ctx context.Context) (string, bool) {
	now := m.clock.Now()
	if m.cfg.DND != nil && m.cfg.DND.Contains(now.In(m.cfg.Location).Hour()) {
		return "dnd window", true
	}
	if m.calendar == nil {
		return "", false
	}
	busy, err := m.calendar.IsBusy(ctx, now)
	if err != nil {
		m.log.Warn("approvals: calendar unavailable, treating as not busy", "error", err)
		return "", false
	}
	if busy {
		return "calendar busy", true
	}
	return "", false
}

func (m *Manager) stillPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

func (m *Manager) skipped(ctx context.Context, action PendingAction, reason string) {
	if m.counter != nil {
		m.counter.IncEscalationSkipped()
	}
	// Audit with a detached context; ctx may already be canceled.
	m.audit(context.WithoutCancel(ctx), types.Event{
		Type:     types.EventEscalationSkipped,
		ActionID: action.ID,
		Reason:   reason,
	})
}

func escalationScript(a PendingAction) string {
	short := a.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Interlock approval needed. %s. Action %s. Press 1 or say approve to approve. Press 2 or say deny to deny.",
		a.Description, short)
}
