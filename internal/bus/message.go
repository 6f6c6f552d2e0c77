// ABOUTME: Message, status, and priority types for the message bus.
// ABOUTME: Status transitions are owned exclusively by the Bus.

package bus

import (
	"encoding/json"
	"time"
)

// BroadcastChannel is the special channel fanned out to every current
// subscriber rather than a single recipient.
const BroadcastChannel = "broadcast"

// Status is the delivery state of a message. It advances monotonically
// pending -> sent -> delivered -> acknowledged; a delivery that
// exhausts its retry budget lands in failed, which is terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Priority orders messages for consumers that care; the bus itself
// delivers in publish order regardless.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is one unit published on a channel. Sender, type, and payload
// are opaque to the bus; only the bus mutates Status and Attempts.
type Message struct {
	ID        string          `json:"message_id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  Priority        `json:"priority"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}
