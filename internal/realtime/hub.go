// ABOUTME: Realtime connection hub: per-connection queues and fan-out.
// ABOUTME: Transport-agnostic; the gateway plugs WebSocket sinks in.

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/switchhq/switchboard/internal/bus"
)

// Event is one unit pushed to a realtime client.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink is the outbound half of a realtime connection. Send errors are
// terminal: the hub removes the connection on the first failure.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// conn is one live connection. Events flow through a bounded queue
// drained by a dedicated writer goroutine, so a slow client never
// delays fan-out to others.
type conn struct {
	id       string
	channels map[string]struct{}
	queue    chan Event
	sink     Sink
	cancel   context.CancelFunc
}

// Hub tracks live connections and fans bus events out to the ones
// subscribed to the matching channel.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	logger *slog.Logger

	queueSize int
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:     make(map[string]*conn),
		logger:    logger.With("component", "realtime"),
		queueSize: 64,
	}
}

// Connect registers a connection listening on the given channels and
// starts its writer. Connecting again with the same id replaces the
// previous connection; the old sink is closed.
func (h *Hub) Connect(id string, channels []string, sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:       id,
		channels: make(map[string]struct{}, len(channels)),
		queue:    make(chan Event, h.queueSize),
		sink:     sink,
		cancel:   cancel,
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}

	h.mu.Lock()
	if prev, ok := h.conns[id]; ok {
		prev.cancel()
		_ = prev.sink.Close()
	}
	h.conns[id] = c
	h.mu.Unlock()

	go h.writer(ctx, c)
	h.logger.Info("connection opened", "connection_id", id, "channels", channels)
}

// Disconnect removes a connection and closes its sink. Unknown ids are
// a no-op.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()

	if ok {
		c.cancel()
		_ = c.sink.Close()
		h.logger.Info("connection closed", "connection_id", id)
	}
}

// Dispatch queues the event on every connection subscribed to channel.
// Events on the bus broadcast channel reach every connection. A full
// queue drops the event for that connection only.
func (h *Hub) Dispatch(channel string, ev Event) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if channel == bus.BroadcastChannel {
			targets = append(targets, c)
			continue
		}
		if _, ok := c.channels[channel]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.queue <- ev:
		default:
			h.logger.Warn("event dropped, connection queue full",
				"connection_id", c.id, "type", ev.Type)
		}
	}
}

// Relay adapts bus deliveries into hub events; the gateway registers it
// as the bus subscriber for the channels clients may watch.
func (h *Hub) Relay(channel string) bus.Handler {
	return func(_ context.Context, msg bus.Message) error {
		h.Dispatch(channel, Event{
			Type:      msg.Type,
			Data:      msg.Payload,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
}

// ActiveCount returns the number of live connections.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connected reports whether the id has a live connection.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

// CloseAll disconnects everything, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.sink.Close()
	}
}

// writer drains one connection's queue. The first send failure removes
// the connection; no further delivery is attempted to it.
func (h *Hub) writer(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.queue:
			if err := c.sink.Send(ctx, ev); err != nil {
				h.logger.Info("send failed, removing connection",
					"connection_id", c.id, "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// remove drops the connection only if it is still the current one for
// its id; a reconnect may have replaced it already.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()

	c.cancel()
	_ = c.sink.Close()
}
