// ABOUTME: Audit store interface and data types for command and dead-letter records.
// ABOUTME: Optional durable trail; runtime state never depends on it.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CommandRecord is the durable form of one executed command, written
// after execution regardless of outcome.
type CommandRecord struct {
	CommandID  string
	Name       string
	Service    string
	SessionID  string
	UserID     string
	Status     string // success or failed
	ErrorCode  string
	StartedAt  time.Time
	DurationMS int64
}

// DeadLetter is a message that exhausted its delivery retry budget,
// retained for inspection.
type DeadLetter struct {
	MessageID string
	Sender    string
	Recipient string
	Type      string
	Payload   []byte
	Attempts  int
	FailedAt  time.Time
}

// AuditStore persists command outcomes and dead-lettered messages.
// Writes are best effort at every call site: an audit failure is
// logged, never surfaced to the caller.
type AuditStore interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
	RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error)
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}

// NopStore discards all writes, for deployments that run without an
// audit trail.
type NopStore struct{}

func (NopStore) RecordCommand(context.Context, CommandRecord) error { return nil }
func (NopStore) RecentCommands(context.Context, int) ([]CommandRecord, error) {
	return nil, nil
}
func (NopStore) RecordDeadLetter(context.Context, DeadLetter) error { return nil }
func (NopStore) DeadLetters(context.Context, int) ([]DeadLetter, error) {
	return nil, nil
}
func (NopStore) Close() error { return nil }
