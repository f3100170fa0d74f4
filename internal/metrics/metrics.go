package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64
	decisions   sync.Map // string -> *atomic.Uint64

	escalationCalls   atomic.Uint64
	escalationSkipped atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncEvent counts one audit event; it satisfies audit.Counter.
func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	inc(&c.byType, eventType)
}

func (c *Collector) IncDecision(decision string) {
	if c == nil {
		return
	}
	inc(&c.decisions, decision)
}

func (c *Collector) IncEscalationCall() {
	if c == nil {
		return
	}
	c.escalationCalls.Add(1)
}

func (c *Collector) IncEscalationSkipped() {
	if c == nil {
		return
	}
	c.escalationSkipped.Add(1)
}

func inc(m *sync.Map, key string) {
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

type HandlerOptions struct {
	QueueDepth   func() int
	ActiveAgents func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP interlock_up Whether the interlock server is running.\n")
		fmt.Fprint(w, "# TYPE interlock_up gauge\n")
		fmt.Fprint(w, "interlock_up 1\n")

		fmt.Fprint(w, "# HELP interlock_uptime_seconds Seconds since the collector started.\n")
		fmt.Fprint(w, "# TYPE interlock_uptime_seconds gauge\n")
		fmt.Fprintf(w, "interlock_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP interlock_audit_events_total Total number of audit events recorded.\n")
		fmt.Fprint(w, "# TYPE interlock_audit_events_total counter\n")
		fmt.Fprintf(w, "interlock_audit_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP interlock_escalation_calls_total Voice escalations placed.\n")
		fmt.Fprint(w, "# TYPE interlock_escalation_calls_total counter\n")
		fmt.Fprintf(w, "interlock_escalation_calls_total %d\n", c.escalationCalls.Load())

		fmt.Fprint(w, "# HELP interlock_escalation_skipped_total Escalations skipped (DND or oracle failure).\n")
		fmt.Fprint(w, "# TYPE interlock_escalation_skipped_total counter\n")
		fmt.Fprintf(w, "interlock_escalation_skipped_total %d\n", c.escalationSkipped.Load())

		writeLabeled(w, &c.byType, "interlock_audit_events_by_type_total", "type", "Audit events by type.")
		writeLabeled(w, &c.decisions, "interlock_policy_decisions_total", "decision", "Policy decisions by outcome.")

		if opts.QueueDepth != nil {
			fmt.Fprint(w, "# HELP interlock_pending_actions Actions awaiting approval.\n")
			fmt.Fprint(w, "# TYPE interlock_pending_actions gauge\n")
			fmt.Fprintf(w, "interlock_pending_actions %d\n", opts.QueueDepth())
		}
		if opts.ActiveAgents != nil {
			fmt.Fprint(w, "# HELP interlock_subagents_active Active sub-agents.\n")
			fmt.Fprint(w, "# TYPE interlock_subagents_active gauge\n")
			fmt.Fprintf(w, "interlock_subagents_active %d\n", opts.ActiveAgents())
		}
	})
}

func writeLabeled(w http.ResponseWriter, m *sync.Map, name, label, help string) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		ptr, _ := m.Load(k)
		n := uint64(0)
		if ptr != nil {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, escapeLabelValue(k), n)
	}
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
