package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/agentsh/interlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	events []types.Event
	err    error
}

func (m *memSink) AppendEvent(_ context.Context, ev types.Event) error {
	m.events = append(m.events, ev)
	return m.err
}

type countMap map[string]int

func (c countMap) IncEvent(t string) { c[t]++ }

func TestRecordStampsAndStores(t *testing.T) {
	sink := &memSink{}
	counts := countMap{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New(sink, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), WithCounter(counts), WithClock(func() time.Time { return fixed }))

	l.Record(context.Background(), types.Event{Type: types.EventPolicyDenied, Scope: "shell.rm -rf /"})

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, fixed, ev.Timestamp)
	assert.Equal(t, 1, counts[types.EventPolicyDenied])
}

func TestRecordLogsDenialsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	l := New(nil, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	l.Record(context.Background(), types.Event{Type: types.EventToolExecuted})
	assert.Empty(t, buf.String())

	l.Record(context.Background(), types.Event{Type: types.EventFSViolation, Operation: "read", Reason: "symlink"})
	assert.Contains(t, buf.String(), "fs_violation")
	assert.Contains(t, buf.String(), "reason=symlink")
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	l := New(&memSink{err: errors.New("disk full")}, slog.New(slog.NewTextHandler(&buf, nil)))
	l.Record(context.Background(), types.Event{Type: types.EventAgentSpawned})
	assert.Contains(t, buf.String(), "store append failed")
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), types.Event{Type: "x"})
}
