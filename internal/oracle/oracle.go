// Package oracle holds the external collaborators the interlock consults:
// a reasoning model for spawn pre-flight, a voice-call provider for
// escalation and a calendar for busy checks. Every failure is reported as
// types.ErrOracleUnavailable so callers can pick their safe default.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsh/interlock/pkg/types"
)

// Reasoner returns free text for a prompt.
type Reasoner interface {
	Reason(ctx context.Context, prompt string) (string, error)
}

// Voice places a phone call reading script to phone. With ivr set the call
// accepts spoken or DTMF approval.
type Voice interface {
	MakeCall(ctx context.Context, phone, script string, ivr bool) (callID string, err error)
}

// Calendar reports whether the admin is busy at now.
type Calendar interface {
	IsBusy(ctx context.Context, now time.Time) (bool, error)
}

type ReasonerFunc func(ctx context.Context, prompt string) (string, error)

func (f ReasonerFunc) Reason(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Unavailable is the reasoner used when no provider is configured. It
// always fails, so anything gated on it is refused.
var Unavailable Reasoner = ReasonerFunc(func(context.Context, string) (string, error) {
	return "", fmt.Errorf("no reasoning provider configured: %w", types.ErrOracleUnavailable)
})

func unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, types.ErrOracleUnavailable, err)
}
