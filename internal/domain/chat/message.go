package chat

import (
	"errors"
	"strings"
	"time"
)

// DeliveryStatus tracks how far an outbound message has traveled. The order
// is monotonic: SENT -> DELIVERED -> READ, never backward.
type DeliveryStatus string

const (
	// StatusSent covers both "persisted, not yet transmitted" and
	// "transmitted, unacknowledged". Only an explicit server ack advances it.
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	default:
		return false
	}
}

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

var (
	ErrEmptyBody         = errors.New("message body is empty")
	ErrMessageIDRequired = errors.New("message id is required")
)

// Message is a chat message owned by the delivery pipeline. Local messages
// are persisted before any network attempt; inbound messages arrive over the
// push channel already created.
type Message struct {
	ID        string         `json:"id"`
	RideID    string         `json:"ride_id"`
	SenderID  string         `json:"sender_id"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	Status    DeliveryStatus `json:"status"`

	// Local marks messages authored on this device, as opposed to inbound
	// ones from the counterpart.
	Local bool `json:"local"`
}

// NewMessage builds a local outbound message in SENT state.
func NewMessage(id, rideID, senderID, body string, at time.Time) (*Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrMessageIDRequired
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return &Message{
		ID:        id,
		RideID:    rideID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: at,
		Status:    StatusSent,
		Local:     true,
	}, nil
}

// Advance moves the delivery status forward. Updates that would regress the
// status are ignored and reported as false; re-applying the current status
// is also a no-op.
func (m *Message) Advance(next DeliveryStatus) bool {
	if !next.Valid() {
		return false
	}
	if next.rank() <= m.Status.rank() {
		return false
	}
	m.Status = next
	return true
}
