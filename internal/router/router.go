// ABOUTME: Health-aware command router: resolve target, dispatch, record outcome.
// ABOUTME: Every failure becomes a typed Result; only authorization errors escape.

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchhq/switchboard/internal/bus"
	"github.com/switchhq/switchboard/internal/registry"
	"github.com/switchhq/switchboard/internal/session"
	"github.com/switchhq/switchboard/internal/store"
)

// ErrorCode classifies a failed command for callers and audit records.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation_error"
	CodeRouting            ErrorCode = "routing_error"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeDownstreamTimeout  ErrorCode = "downstream_timeout"
	CodeDownstreamError    ErrorCode = "downstream_error"
	CodeInternal           ErrorCode = "internal_error"
)

// ErrPermissionDenied is returned when the caller's identity does not
// own the command's session. It is the only error Execute returns; all
// other failures are typed Results.
var ErrPermissionDenied = errors.New("permission denied")

// Command is one accepted unit of work. Immutable once accepted.
type Command struct {
	ID            string         `json:"command_id,omitempty"`
	Name          string         `json:"command"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	TargetService string         `json:"target_service,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Priority      bus.Priority   `json:"priority,omitempty"`
}

// ResultStatus is the terminal outcome of a command.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// Result is the structured outcome of one command execution. Appended
// to the bounded history and never mutated afterwards.
type Result struct {
	CommandID  string          `json:"command_id"`
	Status     ResultStatus    `json:"status"`
	Service    string          `json:"service,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       ErrorCode       `json:"code,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}

// Prober lets the router request an immediate health re-probe after a
// dispatch failure.
type Prober interface {
	MarkForReprobe(name string)
}

// Router resolves, dispatches, and records commands. It never routes to
// a service whose last known status is not healthy.
type Router struct {
	registry *registry.Registry
	prober   Prober
	sessions *session.Store
	bus      *bus.Bus
	audit    store.AuditStore
	table    *Table
	history  *History
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	// rrMu guards the per-service round-robin cursors.
	rrMu sync.Mutex
	rr   map[string]int
}

// Options configures a Router. Zero fields get working defaults.
type Options struct {
	DispatchTimeout time.Duration
	HistoryLimit    int
	Table           *Table
	Audit           store.AuditStore
}

// New creates a Router over the given collaborators.
func New(reg *registry.Registry, prober Prober, sessions *session.Store, b *bus.Bus, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	if opts.Table == nil {
		opts.Table = DefaultTable()
	}
	if opts.Audit == nil {
		opts.Audit = store.NopStore{}
	}
	return &Router{
		registry: reg,
		prober:   prober,
		sessions: sessions,
		bus:      b,
		audit:    opts.Audit,
		table:    opts.Table,
		history:  NewHistory(opts.HistoryLimit),
		client:   &http.Client{},
		timeout:  opts.DispatchTimeout,
		logger:   logger.With("component", "router"),
		rr:       make(map[string]int),
	}
}

// History returns the router's bounded result history.
func (r *Router) History() *History { return r.history }

// Execute runs one command on behalf of userID and always returns a
// Result; routing and downstream failures are reported inside it, not
// as errors. The only error return is ErrPermissionDenied, raised
// before any state is touched when the command's session belongs to
// another user.
func (r *Router) Execute(ctx context.Context, userID string, cmd Command) (Result, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	started := time.Now().UTC()

	if strings.TrimSpace(cmd.Name) == "" {
		return r.finish(ctx, userID, cmd, Result{
			CommandID: cmd.ID, Status: ResultFailed, StartedAt: started,
			Error: "command name is required", Code: CodeValidation,
		}), nil
	}

	// Session ownership is checked before any bookkeeping.
	if cmd.SessionID != "" {
		if _, err := r.sessions.GetOrCreate(cmd.SessionID, userID); err != nil {
			if errors.Is(err, session.ErrOwned) {
				return Result{}, fmt.Errorf("session %s: %w", cmd.SessionID, ErrPermissionDenied)
			}
			return r.finish(ctx, userID, cmd, Result{
				CommandID: cmd.ID, Status: ResultFailed, StartedAt: started,
				Error: err.Error(), Code: CodeInternal,
			}), nil
		}
	}

	ep, code, err := r.resolveTarget(cmd)
	if err != nil {
		return r.finish(ctx, userID, cmd, Result{
			CommandID: cmd.ID, Status: ResultFailed, StartedAt: started,
			Error: err.Error(), Code: code,
		}), nil
	}

	if cmd.SessionID != "" {
		if err := r.sessions.BeginCommand(cmd.SessionID, cmd.ID); err != nil {
			r.logger.Warn("session bookkeeping failed", "session_id", cmd.SessionID, "error", err)
		}
		defer r.sessions.EndCommand(cmd.SessionID, cmd.ID)
	}

	res := r.dispatch(ctx, ep, cmd)
	res.StartedAt = started
	res.DurationMS = time.Since(started).Milliseconds()

	if cmd.SessionID != "" {
		if err := r.sessions.Touch(cmd.SessionID, userID, ep.Name); err != nil {
			r.logger.Warn("session touch failed", "session_id", cmd.SessionID, "error", err)
		}
	}
	return r.finish(ctx, userID, cmd, res), nil
}

// resolveTarget picks the endpoint for a command. An explicit target
// fails fast when not healthy; inference applies only to unspecified
// targets and round-robins over the currently healthy candidates.
func (r *Router) resolveTarget(cmd Command) (registry.Endpoint, ErrorCode, error) {
	if cmd.TargetService != "" {
		ep, ok := r.registry.Get(cmd.TargetService)
		if !ok {
			return registry.Endpoint{}, CodeRouting, fmt.Errorf("unknown target service %q", cmd.TargetService)
		}
		rec, _ := r.registry.Health(cmd.TargetService)
		if rec.Status != registry.StatusHealthy {
			return registry.Endpoint{}, CodeServiceUnavailable,
				fmt.Errorf("target service %q is %s", cmd.TargetService, rec.Status)
		}
		return ep, "", nil
	}

	service, ok := r.table.Resolve(cmd.Name)
	if !ok {
		return registry.Endpoint{}, CodeRouting, fmt.Errorf("no route for command %q", cmd.Name)
	}

	candidates := r.healthyInstances(service)
	if len(candidates) == 0 {
		return registry.Endpoint{}, CodeServiceUnavailable,
			fmt.Errorf("no healthy instance of service %q", service)
	}
	return r.pick(service, candidates), "", nil
}

// healthyInstances returns the healthy endpoints serving the given
// service: the exact name plus any "service-N" instances, in stable
// order.
func (r *Router) healthyInstances(service string) []registry.Endpoint {
	var out []registry.Endpoint
	for _, ep := range r.registry.ListHealthy() {
		if ep.Name == service || strings.HasPrefix(ep.Name, service+"-") {
			out = append(out, ep)
		}
	}
	return out
}

// pick advances the service's round-robin cursor over the healthy
// candidate set. Candidates that dropped out since the last selection
// are skipped naturally because the cursor indexes the current set.
func (r *Router) pick(service string, candidates []registry.Endpoint) registry.Endpoint {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()

	ep := candidates[r.rr[service]%len(candidates)]
	r.rr[service]++
	return ep
}

// dispatch POSTs the command to the worker with a bounded timeout. A
// timeout or transport failure is not retried against the same
// instance; the endpoint is marked for immediate re-probe instead.
func (r *Router) dispatch(ctx context.Context, ep registry.Endpoint, cmd Command) Result {
	res := Result{CommandID: cmd.ID, Service: ep.Name}

	body, err := json.Marshal(cmd)
	if err != nil {
		res.Status = ResultFailed
		res.Error = err.Error()
		res.Code = CodeInternal
		return res
	}

	service := strings.SplitN(ep.Name, "-", 2)[0]
	url := ep.Address + r.table.CommandPath(service)

	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Status = ResultFailed
		res.Error = err.Error()
		res.Code = CodeInternal
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		res.Status = ResultFailed
		if dctx.Err() != nil {
			res.Error = fmt.Sprintf("dispatch to %s timed out after %s", ep.Name, r.timeout)
			res.Code = CodeDownstreamTimeout
		} else {
			res.Error = fmt.Sprintf("dispatch to %s failed: %v", ep.Name, err)
			res.Code = CodeDownstreamError
		}
		r.prober.MarkForReprobe(ep.Name)
		return res
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("reading response from %s: %v", ep.Name, err)
		res.Code = CodeDownstreamError
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("%s returned HTTP %d: %s", ep.Name, resp.StatusCode, truncate(payload, 256))
		res.Code = CodeDownstreamError
		return res
	}

	res.Status = ResultSuccess
	res.Result = json.RawMessage(payload)
	return res
}

// finish records the result in history and the audit trail and
// publishes the realtime event. Bookkeeping failures are logged and
// suppressed; they never change the outcome already determined.
func (r *Router) finish(ctx context.Context, userID string, cmd Command, res Result) Result {
	r.history.Append(res)

	if err := r.audit.RecordCommand(ctx, store.CommandRecord{
		CommandID:  res.CommandID,
		Name:       cmd.Name,
		Service:    res.Service,
		SessionID:  cmd.SessionID,
		UserID:     userID,
		Status:     string(res.Status),
		ErrorCode:  string(res.Code),
		StartedAt:  res.StartedAt,
		DurationMS: res.DurationMS,
	}); err != nil {
		r.logger.Warn("audit record failed", "command_id", res.CommandID, "error", err)
	}

	eventType := "command_response"
	if res.Status == ResultFailed {
		eventType = "command_error"
	}
	payload, err := json.Marshal(res)
	if err == nil {
		_, err = r.bus.Publish(ctx, bus.Message{
			Sender:    "router",
			Recipient: bus.BroadcastChannel,
			Type:      eventType,
			Payload:   payload,
			Priority:  cmd.Priority,
		})
	}
	if err != nil {
		r.logger.Warn("result event publish failed", "command_id", res.CommandID, "error", err)
	}

	if res.Status == ResultFailed {
		r.logger.Info("command failed",
			"command_id", res.CommandID, "command", cmd.Name,
			"service", res.Service, "code", string(res.Code), "error", res.Error)
	}
	return res
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
