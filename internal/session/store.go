// ABOUTME: Concurrency-safe store of per-user session state.
// ABOUTME: Per-session locking, atomic GetOrCreate, idle-TTL background eviction.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates no session exists with the given id.
	ErrNotFound = errors.New("session not found")
	// ErrOwned indicates the session belongs to a different user.
	ErrOwned = errors.New("session owned by another user")
)

// Session is a read-only snapshot of one session's state. Mutation goes
// through Store methods only; snapshots never alias live state.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ActiveServices []string       `json:"active_services"`
	PendingCount   int            `json:"pending_commands"`
	Data           map[string]any `json:"data,omitempty"`
}

// entry is the live, locked form of a session. Each entry has its own
// mutex so commands on the same session serialize while unrelated
// sessions proceed in parallel. The store mutex only guards the map.
type entry struct {
	mu             sync.Mutex
	id             string
	userID         string
	createdAt      time.Time
	lastActivityAt time.Time
	activeServices map[string]struct{}
	pending        map[string]int
	data           map[string]any
}

func (e *entry) snapshot() Session {
	services := make([]string, 0, len(e.activeServices))
	for name := range e.activeServices {
		services = append(services, name)
	}
	sort.Strings(services)

	pending := 0
	for _, n := range e.pending {
		pending += n
	}

	data := make(map[string]any, len(e.data))
	for k, v := range e.data {
		data[k] = v
	}

	return Session{
		ID:             e.id,
		UserID:         e.userID,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivityAt,
		ActiveServices: services,
		PendingCount:   pending,
		Data:           data,
	}
}

// ownedBy reports whether the caller may access this session. Anonymous
// sessions (empty userID) are open; owned sessions require a match.
func (e *entry) ownedBy(userID string) bool {
	return e.userID == "" || e.userID == userID
}

// Store holds all live sessions. Idle sessions are evicted by the
// background sweep started with Run; eviction is deferred while a
// session has pending commands.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	ttl        time.Duration
	sweepEvery time.Duration

	logger *slog.Logger
}

// NewStore creates a Store whose sessions expire after ttl of
// inactivity. sweepInterval sets how often Run scans for expired
// sessions; zero derives half the TTL, capped at one minute.
func NewStore(ttl, sweepInterval time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl / 2
		if sweepInterval > time.Minute {
			sweepInterval = time.Minute
		}
	}
	return &Store{
		sessions:   make(map[string]*entry),
		ttl:        ttl,
		sweepEvery: sweepInterval,
		logger:     logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session with the given id, creating it if
// absent. Creation is atomic: under concurrent first use exactly one
// session is created and every caller observes it. An empty id asks
// the store to mint one. Accessing a session owned by another user
// returns ErrOwned.
func (s *Store) GetOrCreate(id, userID string) (Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		now := time.Now().UTC()
		e = &entry{
			id:             id,
			userID:         userID,
			createdAt:      now,
			lastActivityAt: now,
			activeServices: make(map[string]struct{}),
			pending:        make(map[string]int),
			data:           make(map[string]any),
		}
		s.sessions[id] = e
		s.logger.Info("session created", "session_id", id, "user_id", userID)
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownedBy(userID) {
		return Session{}, ErrOwned
	}
	return e.snapshot(), nil
}

// Get returns a snapshot of the named session.
func (s *Store) Get(id, userID string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownedBy(userID) {
		return Session{}, ErrOwned
	}
	return e.snapshot(), nil
}

// Touch records activity on the session and, when serviceName is
// non-empty, adds it to the session's active service set.
func (s *Store) Touch(id, userID, serviceName string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownedBy(userID) {
		return ErrOwned
	}
	e.lastActivityAt = time.Now().UTC()
	if serviceName != "" {
		e.activeServices[serviceName] = struct{}{}
	}
	return nil
}

// Update merges patch into the session's data bag and records activity.
// A nil value in the patch deletes the key.
func (s *Store) Update(id, userID string, patch map[string]any) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownedBy(userID) {
		return ErrOwned
	}
	for k, v := range patch {
		if v == nil {
			delete(e.data, k)
			continue
		}
		e.data[k] = v
	}
	e.lastActivityAt = time.Now().UTC()
	return nil
}

// Close removes the session immediately, pending commands or not.
func (s *Store) Close(id, userID string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	owned := e.ownedBy(userID)
	e.mu.Unlock()
	if !owned {
		return ErrOwned
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	s.logger.Info("session closed", "session_id", id)
	return nil
}

// List returns snapshots of every session owned by userID (plus
// anonymous sessions when userID is empty), sorted by creation time.
func (s *Store) List(userID string) []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.userID == userID {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BeginCommand marks a command as in flight on the session. While any
// command is pending the session is exempt from idle eviction.
func (s *Store) BeginCommand(id, commandID string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[commandID]++
	e.lastActivityAt = time.Now().UTC()
	return nil
}

// EndCommand clears a pending command. Unknown sessions and command ids
// are tolerated: the session may have been closed mid-flight.
func (s *Store) EndCommand(id, commandID string) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.pending[commandID]; ok {
		if n <= 1 {
			delete(e.pending, commandID)
		} else {
			e.pending[commandID] = n - 1
		}
	}
	e.lastActivityAt = time.Now().UTC()
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run sweeps idle sessions at the store's sweep interval until ctx is
// canceled, so an idle session outlives its TTL by at most one sweep
// period.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts sessions idle past the TTL. Sessions with in-flight
// commands are skipped; they become eligible again once drained.
func (s *Store) sweep() {
	cutoff := time.Now().UTC().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.sessions {
		e.mu.Lock()
		idle := e.lastActivityAt.Before(cutoff)
		busy := len(e.pending) > 0
		e.mu.Unlock()

		if idle && !busy {
			delete(s.sessions, id)
			s.logger.Info("session evicted", "session_id", id)
		}
	}
}
