// Package audit records security decisions as structured events. It never
// receives payloads or file contents; callers pass only scopes, ids,
// patterns and reasons.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentsh/interlock/pkg/types"
	"github.com/google/uuid"
)

type Sink interface {
	AppendEvent(ctx context.Context, ev types.Event) error
}

// Counter is notified of every recorded event type (metrics hook).
type Counter interface {
	IncEvent(eventType string)
}

type Logger struct {
	sink    Sink
	log     *slog.Logger
	counter Counter
	now     func() time.Time
}

type Option func(*Logger)

func WithCounter(c Counter) Option { return func(l *Logger) { l.counter = c } }

func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

func New(sink Sink, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{sink: sink, log: logger, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record stamps and stores ev. Storage failures are logged and swallowed;
// auditing must never turn a decision into a crash.
func (l *Logger) Record(ctx context.Context, ev types.Event) {
	if l == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	attrs := []any{"event", ev.Type}
	if ev.Scope != "" {
		attrs = append(attrs, "scope", ev.Scope)
	}
	if ev.Agent != "" {
		attrs = append(attrs, "agent", ev.Agent)
	}
	if ev.ActionID != "" {
		attrs = append(attrs, "action_id", ev.ActionID)
	}
	if ev.Policy != nil && ev.Policy.Pattern != "" {
		attrs = append(attrs, "pattern", ev.Policy.Pattern, "list", ev.Policy.List)
	}
	if ev.Operation != "" {
		attrs = append(attrs, "op", ev.Operation)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	l.log.Log(ctx, levelFor(ev.Type), "audit", attrs...)

	if l.counter != nil {
		l.counter.IncEvent(ev.Type)
	}
	if l.sink != nil {
		if err := l.sink.AppendEvent(ctx, ev); err != nil {
			l.log.Error("audit: store append failed", "event", ev.Type, "error", err)
		}
	}
}

func levelFor(evType string) slog.Level {
	switch evType {
	case types.EventPolicyDenied, types.EventFSViolation, types.EventToolRejected,
		types.EventAgentRejected, types.EventEscalationSkipped:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
