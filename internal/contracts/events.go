package contracts

import (
	"encoding/json"
	"time"
)

// EventType tags every frame on the push channel.
type EventType string

const (
	EventRideStatusChanged    EventType = "ride_status_changed"
	EventRideAccepted         EventType = "ride_accepted"
	EventDriverLocationUpdate EventType = "driver_location_update"
	EventChatMessage          EventType = "chat_message"
	EventChatDelivered        EventType = "chat_delivered"
	EventChatRead             EventType = "chat_read"
	EventSOSAck               EventType = "sos_ack"
	EventRideRequest          EventType = "ride_request" // driver side
	EventAuthOK               EventType = "auth_ok"
)

// Frame is the raw inbound unit read off the push channel. Data is decoded
// into one of the typed events below once the type is known.
type Frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
	Envelope
}

// RideStatusChanged is pushed whenever a ride moves through its lifecycle.
type RideStatusChanged struct {
	RideID    string    `json:"ride_id"`
	Status    string    `json:"status"` // REQUESTED|SEARCHING|ACCEPTED|ARRIVED|IN_PROGRESS|COMPLETED|CANCELLED
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"` // cancellation reason, when CANCELLED
	FinalFare *float64  `json:"final_fare,omitempty"`
}

// RideAccepted carries the match result, optionally with driver details so
// the client can skip the follow-up detail fetch.
type RideAccepted struct {
	RideID      string            `json:"ride_id"`
	Driver      *CounterpartBrief `json:"driver,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	EstimatedMin int              `json:"estimated_arrival_minutes,omitempty"`
}

// DriverLocationUpdate streams the counterpart position during a ride.
type DriverLocationUpdate struct {
	RideID         string    `json:"ride_id"`
	Location       GeoPoint  `json:"location"`
	SpeedKMH       float64   `json:"speed_kmh,omitempty"`
	HeadingDegrees float64   `json:"heading_degrees,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatMessageEvent is an inbound chat message from the counterpart.
type ChatMessageEvent struct {
	MessageID string    `json:"message_id"`
	RideID    string    `json:"ride_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatDeliveryAck acknowledges server-side delivery of an outbound message.
type ChatDeliveryAck struct {
	MessageID string `json:"message_id"`
	RideID    string `json:"ride_id"`
}

// ChatReadReceipt reports the counterpart read an outbound message.
type ChatReadReceipt struct {
	MessageID string `json:"message_id"`
	RideID    string `json:"ride_id"`
}

// SOSAck confirms the backend registered an SOS alert.
type SOSAck struct {
	RideID         string    `json:"ride_id"`
	IncidentNumber string    `json:"incident_number,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RideRequestEvent is offered to drivers when a nearby rider requests a ride.
type RideRequestEvent struct {
	RideID      string   `json:"ride_id"`
	Pickup      GeoPoint `json:"pickup_location"`
	Destination GeoPoint `json:"destination_location"`
	RideType    string   `json:"ride_type,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"` // ISO-8601
}

// RideIDOf extracts the ride the frame targets without fully decoding the
// payload. Frames with no embedded ride id return "".
func (f Frame) RideIDOf() string {
	var probe struct {
		RideID string `json:"ride_id"`
	}
	if err := json.Unmarshal(f.Data, &probe); err != nil {
		return ""
	}
	return probe.RideID
}
