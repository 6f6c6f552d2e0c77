// ABOUTME: Tracks known worker endpoints and their last observed health.
// ABOUTME: Sole owner of the health map; mutated only through this API.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUnknownService indicates the named service is not registered.
var ErrUnknownService = errors.New("unknown service")

// Status is the last observed health of a worker endpoint.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Endpoint identifies one worker service by name and base address.
type Endpoint struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// HealthRecord is the result of the most recent probe of one endpoint.
// Overwritten every probe cycle; each service's record is independent.
type HealthRecord struct {
	Service     string        `json:"service"`
	Status      Status        `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Latency     time.Duration `json:"latency"`
	LastError   string        `json:"last_error,omitempty"`
}

// Registry holds the set of known worker endpoints and their health.
// All access goes through this API; no other component mutates the maps.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	health    map[string]HealthRecord
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		endpoints: make(map[string]Endpoint),
		health:    make(map[string]HealthRecord),
		logger:    logger.With("component", "registry"),
	}
}

// Register adds an endpoint or, if the name is already known, updates
// its address. Re-registering resets health to unknown only when the
// address actually changed, so a redundant register is a true no-op.
func (r *Registry) Register(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.endpoints[ep.Name]
	r.endpoints[ep.Name] = ep

	if !known {
		r.health[ep.Name] = HealthRecord{Service: ep.Name, Status: StatusUnknown}
		r.logger.Info("worker registered", "name", ep.Name, "address", ep.Address)
		return
	}
	if prev.Address != ep.Address {
		r.health[ep.Name] = HealthRecord{Service: ep.Name, Status: StatusUnknown}
		r.logger.Info("worker address updated", "name", ep.Name, "address", ep.Address)
	}
}

// Deregister removes an endpoint. Removing an unknown name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[name]; !ok {
		return
	}
	delete(r.endpoints, name)
	delete(r.health, name)
	r.logger.Info("worker deregistered", "name", name)
}

// Get returns the endpoint with the given name.
func (r *Registry) Get(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[name]
	return ep, ok
}

// Health returns the last recorded health of the named service.
func (r *Registry) Health(name string) (HealthRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.health[name]
	return rec, ok
}

// ListHealthy returns the registered endpoints whose last probe
// succeeded, sorted by name for stable iteration.
func (r *Registry) ListHealthy() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for name, ep := range r.endpoints {
		if r.health[name].Status == StatusHealthy {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns the health records of every registered endpoint,
// sorted by service name.
func (r *Registry) List() []HealthRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HealthRecord, 0, len(r.health))
	for _, rec := range r.health {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Names returns the names of all registered endpoints.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// setHealth records a probe result and reports whether the status
// changed from the previous record. Results for services deregistered
// mid-probe are discarded.
func (r *Registry) setHealth(rec HealthRecord) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[rec.Service]; !ok {
		return false
	}
	prev := r.health[rec.Service]
	r.health[rec.Service] = rec
	return prev.Status != rec.Status
}
