package sos

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrRideIDRequired = errors.New("ride id is required")
	ErrAlreadyActive  = errors.New("sos session already active for ride")
)

// Session is an emergency alert tied to a ride. At most one active session
// exists per ride; deactivation is an explicit external action, there is no
// automatic timeout.
type Session struct {
	RideID         string     `json:"ride_id"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	Active         bool       `json:"active"`
	IncidentNumber string     `json:"incident_number,omitempty"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
}

// NewSession creates an active session for the ride.
func NewSession(rideID string, at time.Time) (*Session, error) {
	if strings.TrimSpace(rideID) == "" {
		return nil, ErrRideIDRequired
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &Session{RideID: rideID, TriggeredAt: at, Active: true}, nil
}

// Deactivate ends the session. Idempotent.
func (s *Session) Deactivate(at time.Time) {
	if !s.Active {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.Active = false
	s.DeactivatedAt = &at
}
