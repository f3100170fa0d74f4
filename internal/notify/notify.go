// Package notify fans admin notifications out to every configured channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type Recipient string

// RecipientAdmin is the only recipient class the interlock addresses.
const RecipientAdmin Recipient = "admin"

const (
	KindApprovalRequired = "approval_required"
	KindApprovalResolved = "approval_resolved"
	KindEscalation       = "escalation"
)

type Message struct {
	Recipient Recipient `json:"recipient"`
	Kind      string    `json:"kind"`
	ActionID  string    `json:"action_id,omitempty"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

type Channel interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Multi broadcasts to every channel. A failing channel does not stop the
// rest; the errors are joined.
type Multi []Channel

func (m Multi) Broadcast(ctx context.Context, msg Message) error {
	var errs []error
	for _, ch := range m {
		if ch == nil {
			continue
		}
		if err := ch.Broadcast(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	Log *slog.Logger
}

func (c LogChannel) Broadcast(ctx context.Context, msg Message) error {
	l := c.Log
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notify", "recipient", msg.Recipient, "kind", msg.Kind, "action_id", msg.ActionID, "text", msg.Text)
	return nil
}
