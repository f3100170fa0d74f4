package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentsh/interlock/internal/api"
	"github.com/agentsh/interlock/internal/approvals"
	"github.com/agentsh/interlock/internal/audit"
	"github.com/agentsh/interlock/internal/auth"
	"github.com/agentsh/interlock/internal/commands"
	"github.com/agentsh/interlock/internal/config"
	"github.com/agentsh/interlock/internal/coordinator"
	"github.com/agentsh/interlock/internal/fsguard"
	"github.com/agentsh/interlock/internal/logging"
	"github.com/agentsh/interlock/internal/metrics"
	"github.com/agentsh/interlock/internal/notify"
	"github.com/agentsh/interlock/internal/oracle"
	"github.com/agentsh/interlock/internal/policy"
	storepkg "github.com/agentsh/interlock/internal/store"
	"github.com/agentsh/interlock/internal/store/composite"
	"github.com/agentsh/interlock/internal/store/jsonl"
	"github.com/agentsh/interlock/internal/store/sqlite"
	"github.com/agentsh/interlock/internal/tools"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg *config.Config
	log *slog.Logger

	httpServer *http.Server
	httpLn     net.Listener

	store   *composite.Store
	watcher *policy.Watcher

	Policy    *policy.Engine
	Approvals *approvals.Manager
	Agents    *coordinator.Coordinator
	Guard     *fsguard.Guard
	Hub       *notify.Hub
}

type Option func(*options)

type options struct {
	log      *slog.Logger
	reasoner oracle.Reasoner
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithReasoner overrides the reasoning oracle built from config.
func WithReasoner(r oracle.Reasoner) Option { return func(o *options) { o.reasoner = r } }

// New builds every component from cfg and binds the HTTP listener.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logging.New(os.Stderr, cfg.Logging)
	}
	log := o.log

	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}
	// Without keys anyone who can reach the port could approve actions.
	if keys == nil && !isLoopbackListenAddr(cfg.Server.HTTP.Addr) {
		return nil, fmt.Errorf("refusing to listen on %q without api keys (use 127.0.0.1/localhost or set server.http.api_key)", cfg.Server.HTTP.Addr)
	}

	s := &Server{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	collector := metrics.New()
	var sink audit.Sink
	if cfg.Audit.Enabled {
		s.store, err = openStore(cfg.Audit)
		if err != nil {
			return nil, err
		}
		if s.store != nil {
			sink = s.store
		}
	}
	auditor := audit.New(sink, log, audit.WithCounter(collector))

	base := policy.Policy{Allow: cfg.Policies.Allow, Deny: cfg.Policies.Deny}
	pol := base
	engineOpts := []policy.Option{policy.WithAuditor(auditor), policy.WithCounter(collector), policy.WithLogger(log)}
	var fileStore *policy.FileStore
	if cfg.Policies.File != "" {
		fileStore = policy.NewFileStore(cfg.Policies.File)
		persisted, err := fileStore.Load()
		if err != nil {
			return nil, err
		}
		pol = policy.Merge(base, persisted)
		engineOpts = append(engineOpts, policy.WithStore(fileStore))
	}
	s.Policy, err = policy.NewEngine(pol, engineOpts...)
	if err != nil {
		return nil, err
	}
	if fileStore != nil && cfg.Policies.Watch {
		s.watcher = policy.NewWatcher(s.Policy, fileStore, base, log)
	}

	s.Guard, err = fsguard.New(cfg.WorkspaceRoot,
		fsguard.WithMaxReadBytes(int64(cfg.MaxReadBytes)),
		fsguard.WithAuditor(auditor),
		fsguard.WithLogger(log))
	if err != nil {
		return nil, err
	}

	var channels notify.Multi
	if cfg.Notify.Log {
		channels = append(channels, notify.LogChannel{Log: log})
	}
	if cfg.Notify.WebSocket {
		s.Hub = notify.NewHub(log)
		channels = append(channels, s.Hub)
	}
	for _, wc := range cfg.Notify.Webhooks {
		ch, err := webhookChannel(wc)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	approvalOpts := []approvals.Option{
		approvals.WithNotifier(channels),
		approvals.WithAuditor(auditor),
		approvals.WithCounter(collector),
		approvals.WithLogger(log),
	}
	if cfg.Oracles.Voice.URL != "" {
		hc, err := httpOracle(cfg.Oracles.Voice)
		if err != nil {
			return nil, fmt.Errorf("oracles.voice: %w", err)
		}
		approvalOpts = append(approvalOpts, approvals.WithVoice(oracle.NewHTTPVoice(hc)))
	}
	if cfg.Oracles.Calendar.URL != "" {
		hc, err := httpOracle(cfg.Oracles.Calendar)
		if err != nil {
			return nil, fmt.Errorf("oracles.calendar: %w", err)
		}
		approvalOpts = append(approvalOpts, approvals.WithCalendar(oracle.NewHTTPCalendar(hc)))
	}
	qcfg := approvals.Config{
		EscalationDelay: time.Duration(cfg.EscalationDelaySeconds) * time.Second,
		AdminPhone:      cfg.AdminPhone,
		TOTPSecret:      cfg.Approvals.TOTPSecret,
	}
	if cfg.DNDStartHour != nil && cfg.DNDEndHour != nil {
		qcfg.DND = &approvals.DNDWindow{Start: *cfg.DNDStartHour, End: *cfg.DNDEndHour}
	}
	s.Approvals = approvals.New(qcfg, approvalOpts...)

	reasoner := o.reasoner
	if reasoner == nil {
		reasoner = buildReasoner(ctx, cfg.Oracles.Reasoning, log)
	}
	roles, err := coordinator.RolesFromConfig(cfg.Agents.Roles)
	if err != nil {
		return nil, err
	}
	waitTimeout, err := parseDuration(cfg.Approvals.WaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("approvals.wait_timeout: %w", err)
	}
	registry := tools.NewRegistry()
	tools.RegisterFS(registry, s.Guard)
	s.Agents = coordinator.New(coordinator.Config{
		Roles:           roles,
		MaxActive:       cfg.Agents.MaxActive,
		ApprovalTimeout: waitTimeout,
	}, s.Policy, s.Approvals, registry, reasoner,
		coordinator.WithAuditor(auditor),
		coordinator.WithLogger(log))

	dispatcher := commands.NewDispatcher(s.Approvals, s.Policy, s.Agents)
	if s.Hub != nil {
		s.Hub.SetHandler(dispatcher)
	}

	var events storepkg.EventStore
	if s.store != nil {
		events = s.store
	}
	app := api.NewApp(cfg, api.Deps{
		Policy:    s.Policy,
		Approvals: s.Approvals,
		Agents:    s.Agents,
		Commands:  dispatcher,
		Hub:       s.Hub,
		Metrics:   collector,
		Events:    events,
		Keys:      keys,
		Logger:    log,
	})

	readTimeout, err := parseDuration(cfg.Server.HTTP.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("server.http.read_timeout: %w", err)
	}
	writeTimeout, err := parseDuration(cfg.Server.HTTP.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("server.http.write_timeout: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           app.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}
	s.httpLn, err = net.Listen("tcp", cfg.Server.HTTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.HTTP.Addr, err)
	}

	ok = true
	return s, nil
}

// Addr is the bound HTTP address.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down and releases every resource.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("interlock listening", "addr", s.Addr(), "workspace", s.Guard.Root())
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Unblock handlers parked in Wait before draining connections.
		s.Approvals.Close()
		if s.Hub != nil {
			s.Hub.Close()
		}
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases resources; it is safe to call more than once.
func (s *Server) Close() error {
	if s.Approvals != nil {
		s.Approvals.Close()
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.httpLn != nil {
		_ = s.httpLn.Close()
	}
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

func openStore(cfg config.AuditConfig) (*composite.Store, error) {
	var stores []storepkg.EventStore
	if cfg.SQLitePath != "" {
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		stores = append(stores, db)
	}
	if cfg.JSONLPath != "" {
		js, err := jsonl.New(cfg.JSONLPath, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			for _, st := range stores {
				_ = st.Close()
			}
			return nil, err
		}
		stores = append(stores, js)
	}
	if len(stores) == 0 {
		return nil, nil
	}
	// The first store answers queries; sqlite when configured.
	return composite.New(stores[0], stores[1:]...), nil
}

func loadKeys(cfg *config.Config) (*auth.APIKeyAuth, error) {
	h := cfg.Server.HTTP
	if h.APIKeysFile != "" {
		keys, err := auth.LoadAPIKeys(h.APIKeysFile, h.APIKeyHeader)
		if err != nil {
			return nil, err
		}
		if h.APIKey != "" {
			return auth.NewAPIKeyAuth(h.APIKeyHeader, mergeKey(keys, h.APIKey))
		}
		return keys, nil
	}
	if h.APIKey != "" {
		return auth.NewAPIKeyAuth(h.APIKeyHeader, map[string]string{h.APIKey: auth.RoleAdmin})
	}
	return nil, nil
}

func mergeKey(a *auth.APIKeyAuth, adminKey string) map[string]string {
	out := a.Keys()
	out[adminKey] = auth.RoleAdmin
	return out
}

func buildReasoner(ctx context.Context, cfg config.ReasoningOracleConfig, log *slog.Logger) oracle.Reasoner {
	if cfg.Provider != "genai" {
		log.Warn("no reasoning oracle configured; every sub-agent spawn will be rejected")
		return oracle.Unavailable
	}
	timeout, err := parseDuration(cfg.Timeout)
	if err != nil {
		log.Warn("invalid oracles.reasoning.timeout, using default", "error", err)
	}
	r, err := oracle.NewGenAIReasoner(ctx, oracle.GenAIConfig{
		APIKey:  os.Getenv(cfg.APIKeyEnv),
		Model:   cfg.Model,
		Timeout: timeout,
	})
	if err != nil {
		log.Warn("reasoning oracle unavailable; every sub-agent spawn will be rejected", "error", err)
		return oracle.Unavailable
	}
	return r
}

func httpOracle(c config.HTTPOracleConfig) (oracle.HTTPConfig, error) {
	timeout, err := parseDuration(c.Timeout)
	if err != nil {
		return oracle.HTTPConfig{}, err
	}
	return oracle.HTTPConfig{URL: c.URL, Timeout: timeout, Headers: c.Headers}, nil
}

func webhookChannel(c config.WebhookConfig) (*notify.WebhookChannel, error) {
	timeout, err := parseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("notify.webhooks %q timeout: %w", c.Name, err)
	}
	delay, err := parseDuration(c.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("notify.webhooks %q retry_delay: %w", c.Name, err)
	}
	wc := notify.WebhookConfig{
		Name:       c.Name,
		URL:        c.URL,
		Headers:    c.Headers,
		Timeout:    timeout,
		RetryCount: c.RetryCount,
		RetryDelay: delay,
	}
	if c.Format == "slack" {
		wc.Template = notify.SlackWebhook(c.Name, c.URL).Template
	}
	return notify.NewWebhookChannel(wc)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
