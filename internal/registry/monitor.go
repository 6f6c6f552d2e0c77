// ABOUTME: Background health monitor that probes worker /health endpoints.
// ABOUTME: Probes run concurrently with per-probe timeouts; logs transitions only.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// TransitionFunc is invoked whenever a service's status changes.
// It must not block; the monitor calls it from its probe goroutines.
type TransitionFunc func(rec HealthRecord)

// MonitorConfig holds the monitor's timing knobs.
type MonitorConfig struct {
	Interval     time.Duration // time between probe cycles
	ProbeTimeout time.Duration // per-endpoint probe deadline
}

// Monitor periodically probes every registered endpoint and records the
// result in the Registry. One probe per endpoint per cycle, all
// concurrent, so a slow worker never delays the others.
type Monitor struct {
	registry     *Registry
	client       *http.Client
	interval     time.Duration
	probeTimeout time.Duration
	onTransition TransitionFunc
	logger       *slog.Logger

	// reprobe receives names of services that should be probed on the
	// next wakeup without waiting out the full interval.
	reprobe chan string
}

// NewMonitor creates a Monitor for the given registry. onTransition may
// be nil.
func NewMonitor(reg *Registry, cfg MonitorConfig, onTransition TransitionFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		registry:     reg,
		client:       &http.Client{},
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		onTransition: onTransition,
		logger:       logger.With("component", "health-monitor"),
		reprobe:      make(chan string, 64),
	}
}

// Run probes all endpoints on the configured interval until ctx is
// canceled. It blocks; callers run it in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	// Probe once at startup so routing has health data immediately.
	m.probeAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		case name := <-m.reprobe:
			m.probeOne(ctx, name)
		}
	}
}

// MarkForReprobe asks the monitor to probe the named service soon,
// outside the regular cycle. Used by the router after a dispatch
// failure. Non-blocking; requests are dropped if the queue is full
// (the regular cycle will cover them).
func (m *Monitor) MarkForReprobe(name string) {
	select {
	case m.reprobe <- name:
	default:
	}
}

// ProbeNow performs a single synchronous probe of the named service and
// returns the recorded result.
func (m *Monitor) ProbeNow(ctx context.Context, name string) (HealthRecord, error) {
	ep, ok := m.registry.Get(name)
	if !ok {
		return HealthRecord{}, ErrUnknownService
	}
	rec := m.probe(ctx, ep)
	m.record(rec)
	return rec, nil
}

// probeAll probes every registered endpoint concurrently and waits for
// all probes (each bounded by its own timeout) before returning.
func (m *Monitor) probeAll(ctx context.Context) {
	names := m.registry.Names()

	var wg sync.WaitGroup
	for _, name := range names {
		ep, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.record(m.probe(ctx, ep))
		}()
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, name string) {
	ep, ok := m.registry.Get(name)
	if !ok {
		return
	}
	m.record(m.probe(ctx, ep))
}

// probe issues one GET /health against the endpoint. A 2xx response is
// healthy, any other response is degraded, and a transport error or
// timeout is unreachable.
func (m *Monitor) probe(ctx context.Context, ep Endpoint) HealthRecord {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	rec := HealthRecord{Service: ep.Name, LastChecked: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Address+"/health", nil)
	if err != nil {
		rec.Status = StatusUnreachable
		rec.LastError = err.Error()
		return rec
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		rec.Status = StatusUnreachable
		rec.LastError = err.Error()
		return rec
	}
	defer resp.Body.Close()

	rec.Latency = time.Since(start)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Status = StatusHealthy
	} else {
		rec.Status = StatusDegraded
		rec.LastError = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return rec
}

// record stores the probe result and, on a status transition, logs it
// and notifies the transition callback. Steady-state results are
// recorded silently to bound log volume.
func (m *Monitor) record(rec HealthRecord) {
	if !m.registry.setHealth(rec) {
		return
	}

	m.logger.Info("worker status changed",
		"name", rec.Service,
		"status", string(rec.Status),
		"latency_ms", rec.Latency.Milliseconds(),
		"error", rec.LastError,
	)
	if m.onTransition != nil {
		m.onTransition(rec)
	}
}
