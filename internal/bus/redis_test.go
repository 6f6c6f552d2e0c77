// ABOUTME: Tests for the Redis store backend and the Open fallback decision
// ABOUTME: Runs against miniredis; no external broker required

package bus

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, limit int) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), mr.Addr(), "", 0, limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t, 10)
	ctx := context.Background()

	msg := Message{ID: "m1", Sender: "a", Recipient: "user-1", Type: "note", Status: StatusPending, Priority: PriorityNormal}
	require.NoError(t, store.Append(ctx, msg))

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	msg.Status = StatusSent
	require.NoError(t, store.Update(ctx, msg))
	got, err = store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.ErrorIs(t, store.Update(ctx, Message{ID: "ghost"}), ErrUnknownMessage)
}

func TestRedisStoreHistoryTrims(t *testing.T) {
	store := newRedisStore(t, 3)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, store.Append(ctx, Message{ID: id, Recipient: "ch", Type: id, Status: StatusSent}))
	}

	hist, err := store.History(ctx, "ch", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3, "channel list is trimmed to the bound")
	assert.Equal(t, "m3", hist[0].ID)
	assert.Equal(t, "m5", hist[2].ID)

	// An explicit smaller limit narrows further, newest kept.
	hist, err = store.History(ctx, "ch", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "m4", hist[0].ID)
}

func TestRedisStoreHistoryIsPerRecipient(t *testing.T) {
	store := newRedisStore(t, 10)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Message{ID: "a1", Recipient: "alice", Status: StatusSent}))
	require.NoError(t, store.Append(ctx, Message{ID: "b1", Recipient: "bob", Status: StatusSent}))

	hist, err := store.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "a1", hist[0].ID)
}

func TestOpenPrefersRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	b := Open(context.Background(), Options{RedisAddr: mr.Addr()}, slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	assert.Equal(t, "redis", b.Backend())

	// Bus semantics are backend-independent.
	msg, err := b.Publish(context.Background(), Message{Recipient: "user-1", Type: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)

	hist, err := b.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, msg.ID, hist[0].ID)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close() // nothing listening at addr anymore

	b := Open(context.Background(), Options{RedisAddr: addr}, slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	assert.Equal(t, "memory", b.Backend())
}

func TestOpenWithoutRedisConfigured(t *testing.T) {
	b := Open(context.Background(), Options{}, slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	assert.Equal(t, "memory", b.Backend())
}
