// ABOUTME: Publish/subscribe message bus with per-channel ordered delivery.
// ABOUTME: Backend chosen once at startup; Redis preferred, memory fallback.

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchhq/switchboard/internal/retry"
)

// ErrNotAcknowledgeable indicates the message is not in a state that
// accepts acknowledgement.
var ErrNotAcknowledgeable = errors.New("message not delivered")

// Handler consumes one delivered message. A non-nil error (or running
// past the per-handler timeout) counts as a failed delivery attempt.
type Handler func(ctx context.Context, msg Message) error

// Subscription is the handle returned by Subscribe, used to cancel it.
type Subscription struct {
	id      uint64
	channel string
	handler Handler
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Options configures Open.
type Options struct {
	RedisAddr      string // empty disables the Redis backend
	RedisPassword  string
	RedisDB        int
	HistoryLimit   int
	MaxAttempts    int
	HandlerTimeout time.Duration

	// DeadLetter, if set, is called with each message that exhausts its
	// retry budget, after it has been marked failed.
	DeadLetter func(Message)
}

// Bus fans published messages out to channel subscribers and records
// delivery state in its backend store. It is the sole owner of message
// status transitions.
type Bus struct {
	store          Store
	policy         retry.Policy
	handlerTimeout time.Duration
	deadLetter     func(Message)
	logger         *slog.Logger

	subMu  sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64

	// orderMu serializes delivery per channel so each subscriber sees
	// messages in publish order even with concurrent publishers.
	orderMuMu sync.Mutex
	orderMu   map[string]*sync.Mutex
}

// New creates a Bus on an explicit store. Most callers use Open.
func New(store Store, opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Second
	}
	return &Bus{
		store:          store,
		policy:         retry.Policy{MaxAttempts: opts.MaxAttempts, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		handlerTimeout: opts.HandlerTimeout,
		deadLetter:     opts.DeadLetter,
		logger:         logger.With("component", "bus"),
		subs:           make(map[string]map[uint64]*Subscription),
		orderMu:        make(map[string]*sync.Mutex),
	}
}

// Open selects the backend once: Redis when configured and reachable,
// otherwise the in-memory fallback. The choice is logged and never
// revisited; callers cannot tell which backend is active.
func Open(ctx context.Context, opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.RedisAddr != "" {
		store, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.HistoryLimit)
		if err == nil {
			logger.Info("message bus backend selected", "backend", store.Name(), "addr", opts.RedisAddr)
			return New(store, opts, logger)
		}
		logger.Warn("redis unreachable, falling back to in-memory bus backend", "addr", opts.RedisAddr, "error", err)
	} else {
		logger.Info("message bus backend selected", "backend", "memory")
	}
	return New(NewMemoryStore(opts.HistoryLimit), opts, logger)
}

// Subscribe registers handler on channel and returns a cancel handle.
func (b *Bus) Subscribe(channel string, handler Handler) *Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, channel: channel, handler: handler}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][sub.id] = sub
	return sub
}

// Unsubscribe cancels a subscription. Canceling twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// Publish stores msg and attempts synchronous delivery to the current
// subscribers of its channel (every subscriber, for the broadcast
// channel). It returns the message id and the message's state after
// the delivery attempt. Safe to call from many goroutines; per-channel
// order is preserved.
func (b *Bus) Publish(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	msg.CreatedAt = time.Now().UTC()
	msg.Status = StatusPending
	msg.Attempts = 0

	if err := b.store.Append(ctx, msg); err != nil {
		return Message{}, err
	}

	msg.Status = StatusSent
	b.updateQuiet(ctx, msg)

	// The channel's order lock covers target collection and the first
	// delivery attempt, so two concurrent publishes cannot reorder.
	// Retries run after the lock is released: a wedged subscriber costs
	// other publishers at most one handler timeout, not its whole retry
	// loop.
	mu := b.channelMu(msg.Recipient)
	mu.Lock()
	targets := b.targets(msg.Recipient)
	if len(targets) == 0 {
		mu.Unlock()
		return msg, nil
	}

	delivered := false
	maxAttempts := 1
	failed := make(map[*Subscription]error)
	for _, sub := range targets {
		if err := b.callHandler(ctx, sub.handler, msg); err != nil {
			failed[sub] = err
		} else {
			delivered = true
		}
	}
	mu.Unlock()

	for sub, firstErr := range failed {
		attempts, err := b.redeliver(ctx, sub, msg, firstErr)
		if attempts > maxAttempts {
			maxAttempts = attempts
		}
		if err == nil {
			delivered = true
		}
	}

	msg.Attempts = maxAttempts
	if delivered {
		msg.Status = StatusDelivered
	} else {
		msg.Status = StatusFailed
		b.logger.Warn("message dead-lettered",
			"message_id", msg.ID, "recipient", msg.Recipient, "type", msg.Type, "attempts", msg.Attempts)
	}
	b.updateQuiet(ctx, msg)

	if msg.Status == StatusFailed && b.deadLetter != nil {
		b.deadLetter(msg)
	}
	return msg, nil
}

// Acknowledge moves a delivered message to acknowledged. Acknowledging
// an already-acknowledged message is a no-op; any other state is
// rejected.
func (b *Bus) Acknowledge(ctx context.Context, id string) error {
	msg, err := b.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch msg.Status {
	case StatusAcknowledged:
		return nil
	case StatusDelivered:
		msg.Status = StatusAcknowledged
		return b.store.Update(ctx, msg)
	default:
		return ErrNotAcknowledgeable
	}
}

// History returns up to limit most recent messages for the recipient,
// oldest first.
func (b *Bus) History(ctx context.Context, recipient string, limit int) ([]Message, error) {
	return b.store.History(ctx, recipient, limit)
}

// Backend names the active store for logs and readiness reporting.
func (b *Bus) Backend() string { return b.store.Name() }

// Close releases the backend.
func (b *Bus) Close() error { return b.store.Close() }

// targets returns the subscriptions a message on channel should reach.
// The broadcast channel reaches every current subscriber.
func (b *Bus) targets(channel string) []*Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var out []*Subscription
	if channel == BroadcastChannel {
		for _, set := range b.subs {
			for _, sub := range set {
				out = append(out, sub)
			}
		}
		return out
	}
	for _, sub := range b.subs[channel] {
		out = append(out, sub)
	}
	return out
}

// redeliver spends the rest of the retry budget on one subscriber whose
// first attempt failed. Attempt numbering continues from that first
// attempt, so the budget and backoff curve match a straight policy run.
// Each attempt is bounded by the per-handler timeout so a slow handler
// is a failed attempt, not a publisher stall. Returns the attempts used.
func (b *Bus) redeliver(ctx context.Context, sub *Subscription, msg Message, firstErr error) (int, error) {
	attempts := 1
	err := b.policy.Do(ctx, func(attempt int) error {
		if attempt == 1 {
			return firstErr // already spent under the order lock
		}
		attempts = attempt
		return b.callHandler(ctx, sub.handler, msg)
	})
	return attempts, err
}

func (b *Bus) callHandler(ctx context.Context, h Handler, msg Message) error {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h(hctx, msg) }()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}

// updateQuiet records a status transition; store failures are logged
// and suppressed so bookkeeping never masks the delivery outcome.
func (b *Bus) updateQuiet(ctx context.Context, msg Message) {
	if err := b.store.Update(ctx, msg); err != nil {
		b.logger.Error("message status update failed",
			"message_id", msg.ID, "status", string(msg.Status), "error", err)
	}
}

func (b *Bus) channelMu(channel string) *sync.Mutex {
	b.orderMuMu.Lock()
	defer b.orderMuMu.Unlock()

	mu, ok := b.orderMu[channel]
	if !ok {
		mu = &sync.Mutex{}
		b.orderMu[channel] = mu
	}
	return mu
}
