package contracts

import "time"

// Envelope adds cross-cutting headers all messages may carry.
type Envelope struct {
	CorrelationID string    `json:"correlation_id,omitempty"` // Correlation for tracing across services
	Producer      string    `json:"producer,omitempty"`       // Producer name, e.g. "ridesync-core"
	SentAt        time.Time `json:"sent_at,omitempty"`        // ISO-8601 send time (UTC)
}

type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type VehicleInfo struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

// CounterpartBrief describes the other party on a ride: the driver from the
// rider's point of view, or the rider from the driver's.
type CounterpartBrief struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Rating  float64      `json:"rating,omitempty"`
	Phone   string       `json:"phone,omitempty"`
	Vehicle *VehicleInfo `json:"vehicle,omitempty"`
}
