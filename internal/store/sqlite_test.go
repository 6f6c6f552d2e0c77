// ABOUTME: Tests for the SQLite audit store schema and query ordering
// ABOUTME: Uses t.TempDir databases; no fixtures required

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []CommandRecord{
		{CommandID: "c1", Name: "read_file", Service: "system", Status: "success", StartedAt: base, DurationMS: 12},
		{CommandID: "c2", Name: "navigate", Service: "browser", Status: "failed", ErrorCode: "downstream_timeout", StartedAt: base.Add(time.Minute), DurationMS: 5003},
		{CommandID: "c3", Name: "send_email", Service: "communication", Status: "success", StartedAt: base.Add(2 * time.Minute), DurationMS: 211},
	}
	for _, rec := range recs {
		require.NoError(t, s.RecordCommand(ctx, rec))
	}

	got, err := s.RecentCommands(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c3", got[0].CommandID, "newest first")
	assert.Equal(t, "c2", got[1].CommandID)
	assert.Equal(t, "downstream_timeout", got[1].ErrorCode)
}

func TestRecordCommandIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := CommandRecord{CommandID: "c1", Name: "ping", Service: "system", Status: "failed", StartedAt: time.Now().UTC()}
	require.NoError(t, s.RecordCommand(ctx, rec))
	rec.Status = "success"
	require.NoError(t, s.RecordCommand(ctx, rec))

	got, err := s.RecentCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "success", got[0].Status)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dl := DeadLetter{
		MessageID: "m1",
		Sender:    "router",
		Recipient: "user-42",
		Type:      "command_response",
		Payload:   []byte(`{"ok":true}`),
		Attempts:  3,
		FailedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.RecordDeadLetter(ctx, dl))

	got, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, 3, got[0].Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(got[0].Payload))
}

func TestEmptyStoreQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmds, err := s.RecentCommands(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	dls, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)
}
