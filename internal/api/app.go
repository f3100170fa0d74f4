package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentsh/interlock/internal/approvals"
	"github.com/agentsh/interlock/internal/auth"
	"github.com/agentsh/interlock/internal/commands"
	"github.com/agentsh/interlock/internal/config"
	"github.com/agentsh/interlock/internal/coordinator"
	"github.com/agentsh/interlock/internal/metrics"
	"github.com/agentsh/interlock/internal/notify"
	"github.com/agentsh/interlock/internal/policy"
	"github.com/agentsh/interlock/internal/store"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API serves. Events, Metrics, Hub and Keys
// may be nil.
type Deps struct {
	Policy    *policy.Engine
	Approvals *approvals.Manager
	Agents    *coordinator.Coordinator
	Commands  *commands.Dispatcher
	Hub       *notify.Hub
	Metrics   *metrics.Collector
	Events    store.EventStore
	Keys      *auth.APIKeyAuth
	Logger    *slog.Logger
}

type App struct {
	cfg *config.Config
	Deps
}

func NewApp(cfg *config.Config, d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &App{cfg: cfg, Deps: d}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		if a.cfg.Metrics.Enabled && a.Metrics != nil {
			r.Method(http.MethodGet, a.cfg.Metrics.Path, a.Metrics.Handler(metrics.HandlerOptions{
				QueueDepth:   a.Approvals.Depth,
				ActiveAgents: a.Agents.ActiveCount,
			}))
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleApprover))
				r.Get("/approvals", a.listApprovals)
				r.Post("/approvals/{id}", a.resolveApproval)
				r.Post("/commands", a.runCommand)
				r.Get("/events", a.searchEvents)
				if a.Hub != nil {
					r.Method(http.MethodGet, "/ws", a.Hub)
				}
			})
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleAgent))
				r.Post("/resolve", a.resolveScope)
				r.Post("/actions", a.createAction)
				r.Get("/agents", a.listAgents)
				r.Post("/agents", a.spawnAgent)
				r.Get("/agents/{name}", a.getAgent)
				r.Delete("/agents/{name}", a.terminateAgent)
				r.Post("/agents/{name}/tools/{tool}", a.executeTool)
			})
		})
	})

	return r
}

// authMiddleware is a no-op when no keys are configured.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.Keys == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := a.Keys.RoleForKey(r.Header.Get(a.Keys.HeaderName()))
		if role == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithRole(r.Context(), role)))
	})
}

func requireRole(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Require(r.Context(), want) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *App) runCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command is required"})
		return
	}
	reply, err := a.Commands.Handle(r.Context(), req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (a *App) resolveScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	res := a.Policy.Evaluate(r.Context(), req.Scope)
	writeJSON(w, http.StatusOK, res)
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "audit store not enabled"})
		return
	}
	v := r.URL.Query()
	q := types.EventQuery{
		Agent:    v.Get("agent"),
		ActionID: v.Get("action_id"),
		Limit:    100,
	}
	if t := v.Get("type"); t != "" {
		q.Types = strings.Split(t, ",")
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		q.Limit = min(n, 1000)
	}
	evs, err := a.Events.QueryEvents(r.Context(), q)
	if err != nil {
		a.Logger.Error("api: query events", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query failed"})
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrActionNotFound), errors.Is(err, coordinator.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrPermissionDenied),
		errors.Is(err, types.ErrSpawnRejected),
		errors.Is(err, types.ErrFilesystemPolicyViolation),
		errors.Is(err, approvals.ErrInvalidCode):
		return http.StatusForbidden
	case errors.Is(err, types.ErrToolNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, approvals.ErrQueueEmpty):
		return http.StatusConflict
	case errors.Is(err, commands.ErrUsage), errors.Is(err, commands.ErrUnknownCommand), errors.Is(err, policy.ErrInvalidPattern):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrOracleUnavailable), errors.Is(err, approvals.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err's display-safe text. Command errors are written
// verbatim since they only echo the caller's input.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := types.SafeMessage(err)
	if msg == "internal error" && status != http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
