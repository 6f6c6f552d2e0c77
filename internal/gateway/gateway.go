// ABOUTME: Orchestrator assembly: wires registry, sessions, bus, router, realtime.
// ABOUTME: Owns the HTTP server lifecycle and background loop supervision.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/switchhq/switchboard/internal/admission"
	"github.com/switchhq/switchboard/internal/bus"
	"github.com/switchhq/switchboard/internal/config"
	"github.com/switchhq/switchboard/internal/metrics"
	"github.com/switchhq/switchboard/internal/realtime"
	"github.com/switchhq/switchboard/internal/registry"
	"github.com/switchhq/switchboard/internal/router"
	"github.com/switchhq/switchboard/internal/session"
	"github.com/switchhq/switchboard/internal/store"
)

// Gateway assembles the orchestration core behind one HTTP listener.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	monitor  *registry.Monitor
	sessions *session.Store
	bus      *bus.Bus
	router   *router.Router
	hub      *realtime.Hub
	guard    *admission.Guard
	audit    store.AuditStore
	metrics  *metrics.Metrics

	httpServer *http.Server
	startedAt  time.Time

	// chanSubs refcounts bus subscriptions opened on behalf of realtime
	// clients, one per channel regardless of connection count.
	chanMu   sync.Mutex
	chanSubs map[string]*channelSub
}

type channelSub struct {
	sub  *bus.Subscription
	refs int
}

// New builds a Gateway from configuration. Background loops do not
// start until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		metrics:   metrics.New(),
		chanSubs:  make(map[string]*channelSub),
		startedAt: time.Now().UTC(),
	}

	audit, err := initAudit(cfg)
	if err != nil {
		return nil, err
	}
	g.audit = audit

	g.bus = bus.Open(context.Background(), bus.Options{
		RedisAddr:      cfg.Bus.RedisAddr,
		RedisPassword:  cfg.Bus.RedisPassword,
		RedisDB:        cfg.Bus.RedisDB,
		HistoryLimit:   cfg.Bus.HistoryLimit,
		MaxAttempts:    cfg.Bus.MaxAttempts,
		HandlerTimeout: cfg.Bus.HandlerTimeout,
		DeadLetter:     g.onDeadLetter,
	}, logger)

	g.registry = registry.New(logger)
	for _, w := range cfg.Workers {
		g.registry.Register(registry.Endpoint{Name: w.Name, Address: w.Address})
	}

	g.monitor = registry.NewMonitor(g.registry, registry.MonitorConfig{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}, g.onHealthTransition, logger)

	g.sessions = session.NewStore(cfg.Sessions.TTL, cfg.Sessions.SweepInterval, logger)

	g.router = router.New(g.registry, g.monitor, g.sessions, g.bus, router.Options{
		DispatchTimeout: cfg.Commands.DispatchTimeout,
		HistoryLimit:    cfg.Commands.HistoryLimit,
		Audit:           g.audit,
	}, logger)

	g.hub = realtime.NewHub(logger)
	// Broadcast events always flow to realtime clients.
	g.bus.Subscribe(bus.BroadcastChannel, g.hub.Relay(bus.BroadcastChannel))

	g.guard = admission.NewGuard(admission.GuardOptions{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		APIKeys:        cfg.Auth.APIKeys,
		QuotaPerMinute: cfg.RateLimit.PerMinute,
		QuotaBurst:     cfg.RateLimit.Burst,
		EdgeLimit:      cfg.RateLimit.EdgeLimit,
		EdgeWindow:     cfg.RateLimit.EdgeWindow,
	}, logger)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

func initAudit(cfg *config.Config) (store.AuditStore, error) {
	if cfg.Audit.Path == "" {
		return store.NopStore{}, nil
	}
	s, err := store.NewSQLiteStore(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}
	return s, nil
}

// Run starts the background loops and the HTTP listener, then blocks
// until ctx is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.monitor.Run(bgCtx)
	go g.sessions.Run(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context because the run context is
// already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, disconnects realtime clients, and
// closes the bus and audit stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	g.hub.CloseAll()
	if err := g.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	g.logger.Info("shutdown complete")
	return firstErr
}

// onHealthTransition publishes a health_update broadcast and keeps the
// health gauge current. Called from the monitor's probe goroutines.
func (g *Gateway) onHealthTransition(rec registry.HealthRecord) {
	val := 0.0
	if rec.Status == registry.StatusHealthy {
		val = 1
	}
	g.metrics.WorkerHealthy.WithLabelValues(rec.Service).Set(val)

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := g.bus.Publish(context.Background(), bus.Message{
		Sender:    "health-monitor",
		Recipient: bus.BroadcastChannel,
		Type:      "health_update",
		Payload:   payload,
	}); err != nil {
		g.logger.Warn("health_update publish failed", "service", rec.Service, "error", err)
	}
}

// onDeadLetter retains exhausted messages in the audit trail.
func (g *Gateway) onDeadLetter(msg bus.Message) {
	g.metrics.BusMessages.WithLabelValues(string(bus.StatusFailed)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.audit.RecordDeadLetter(ctx, store.DeadLetter{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Attempts:  msg.Attempts,
		FailedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("dead letter audit failed", "message_id", msg.ID, "error", err)
	}
}

// retainChannel opens (or refs) the bus subscription feeding hub events
// for one realtime channel.
func (g *Gateway) retainChannel(channel string) {
	if channel == bus.BroadcastChannel {
		return // always subscribed
	}
	g.chanMu.Lock()
	defer g.chanMu.Unlock()

	if cs, ok := g.chanSubs[channel]; ok {
		cs.refs++
		return
	}
	g.chanSubs[channel] = &channelSub{
		sub:  g.bus.Subscribe(channel, g.hub.Relay(channel)),
		refs: 1,
	}
}

// releaseChannel drops one reference and unsubscribes at zero.
func (g *Gateway) releaseChannel(channel string) {
	if channel == bus.BroadcastChannel {
		return
	}
	g.chanMu.Lock()
	defer g.chanMu.Unlock()

	cs, ok := g.chanSubs[channel]
	if !ok {
		return
	}
	cs.refs--
	if cs.refs <= 0 {
		g.bus.Unsubscribe(cs.sub)
		delete(g.chanSubs, channel)
	}
}
