package contracts

import "time"

// Outbound frame types written to the push channel.
const (
	OutboundChatMessage    EventType = "chat_message"
	OutboundReadReceipt    EventType = "read_receipt"
	OutboundAuth           EventType = "auth"
	OutboundLocationUpdate EventType = "location_update"
)

// AuthFrame authenticates the connection right after dial.
type AuthFrame struct {
	Type  EventType `json:"type"` // always "auth"
	Token string    `json:"token"`
}

// OutboundChat is a chat message sent upstream.
type OutboundChat struct {
	Type      EventType `json:"type"` // always "chat_message"
	MessageID string    `json:"message_id"`
	RideID    string    `json:"ride_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Envelope
}

// OutboundLocation reports this device's position upstream. The cadence
// tightens while an SOS is active.
type OutboundLocation struct {
	Type      EventType `json:"type"` // always "location_update"
	RideID    string    `json:"ride_id"`
	Location  GeoPoint  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	Envelope
}

// OutboundRead notifies the server that inbound messages were read locally.
type OutboundRead struct {
	Type       EventType `json:"type"` // always "read_receipt"
	RideID     string    `json:"ride_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
	Envelope
}
