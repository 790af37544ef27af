package queue

import (
	"encoding/json"
	"time"
)

// Message is a row in the message_queue table: one outbound text or media
// message addressed to a single gateway recipient.
type Message struct {
	ID           int64           `json:"id"`
	Recipient    string          `json:"recipient"`
	Kind         Kind            `json:"kind"`
	Priority     int             `json:"priority"`
	PayloadText  string          `json:"payload_text"`
	MediaURL     *string         `json:"media_url,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Kind determines the admission policy applied to a message, not its
// transport.
type Kind string

const (
	KindDirectReply       Kind = "DIRECT_REPLY"
	KindEventBroadcast    Kind = "EVENT_BROADCAST"
	KindMatchNotification Kind = "MATCH_NOTIFICATION"
	KindSystemUpdate      Kind = "SYSTEM_UPDATE"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDirectReply, KindEventBroadcast, KindMatchNotification, KindSystemUpdate:
		return true
	}
	return false
}

// DefaultPriority returns the canonical priority for the kind. Lower is
// more urgent.
func (k Kind) DefaultPriority() int {
	switch k {
	case KindDirectReply:
		return 1
	case KindMatchNotification:
		return 2
	case KindEventBroadcast:
		return 6
	default:
		return 5
	}
}

// Status is the delivery lifecycle state. SENT, FAILED and CANCELLED are
// terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Stats holds 24-hour message counts grouped by status.
type Stats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}
