// ABOUTME: Backend store interface for the bus plus the in-memory fallback.
// ABOUTME: Per-recipient bounded rings with an id index for status updates.

package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownMessage indicates no stored message has the given id.
var ErrUnknownMessage = errors.New("unknown message")

// Store persists messages and their delivery state. The bus selects one
// implementation at startup; callers never learn which is active.
type Store interface {
	// Append stores a new message on its recipient's channel, evicting
	// the oldest entries past the history bound.
	Append(ctx context.Context, msg Message) error
	// Update rewrites a stored message's status and attempt count.
	Update(ctx context.Context, msg Message) error
	// Get returns the stored message with the given id.
	Get(ctx context.Context, id string) (Message, error)
	// History returns up to limit most recent messages for a recipient,
	// oldest first.
	History(ctx context.Context, recipient string, limit int) ([]Message, error)
	// Name identifies the backend in logs.
	Name() string
	// Close releases backend resources.
	Close() error
}

// MemoryStore is the fallback backend used when no durable broker is
// reachable. Contents do not survive a process restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rings map[string][]string // recipient -> ordered message ids
	byID  map[string]Message
	limit int
}

// NewMemoryStore creates a MemoryStore keeping at most limit messages
// per recipient.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{
		rings: make(map[string][]string),
		byID:  make(map[string]Message),
		limit: limit,
	}
}

func (s *MemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.rings[msg.Recipient], msg.ID)
	if over := len(ring) - s.limit; over > 0 {
		for _, id := range ring[:over] {
			delete(s.byID, id)
		}
		ring = ring[over:]
	}
	s.rings[msg.Recipient] = ring
	s.byID[msg.ID] = msg
	return nil
}

func (s *MemoryStore) Update(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.ID]; !ok {
		return ErrUnknownMessage
	}
	s.byID[msg.ID] = msg
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	return msg, nil
}

func (s *MemoryStore) History(_ context.Context, recipient string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := s.rings[recipient]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]Message, 0, len(ring))
	for _, id := range ring {
		if msg, ok := s.byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }
