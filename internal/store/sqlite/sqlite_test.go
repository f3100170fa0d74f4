package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/interlock/pkg/types"
)

func TestAppendAndQueryEvents(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ev := types.Event{
		ID:        "evt1",
		Type:      types.EventPolicyDenied,
		Scope:     "shell.rm -rf /",
		Timestamp: time.Now().UTC(),
		Policy: &types.PolicyInfo{
			Decision: types.DecisionDeny,
			Pattern:  "rm -rf /",
			List:     "deny",
		},
	}
	if err := s.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	deny := types.DecisionDeny
	got, err := s.QueryEvents(context.Background(), types.EventQuery{Decision: &deny})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != ev.ID || got[0].Policy == nil || got[0].Policy.Pattern != "rm -rf /" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestQueryFiltersByAgentAndType(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	base := time.Now().UTC()
	for i, agent := range []string{"qa", "qa", "writer"} {
		ev := types.Event{
			ID:        fmt.Sprintf("e%d", i),
			Type:      types.EventToolExecuted,
			Agent:     agent,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendEvent(context.Background(), ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	got, err := s.QueryEvents(context.Background(), types.EventQuery{Agent: "qa", Types: []string{types.EventToolExecuted}, Asc: true})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e0" || got[1].ID != "e1" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestAppendRejectsMissingID(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.AppendEvent(context.Background(), types.Event{Type: "x"}); err == nil {
		t.Fatal("expected error for missing id")
	}
}
