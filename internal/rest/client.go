// Package rest is the request/response boundary to the backend. Responses
// come back as success-with-payload or a typed fault derived from the HTTP
// status, so callers never see raw transport errors.
package rest

import (
	"context"
	"time"

	"ridesync/internal/domain/ride"
)

// FareEstimate is the quote for a pickup/dropoff pair.
type FareEstimate struct {
	Fare        float64 `json:"estimated_fare"`
	DistanceKM  float64 `json:"estimated_distance_km"`
	DurationMin int     `json:"estimated_duration_minutes"`
}

// RideDetails is the full ride view from the backend, including counterpart
// details once matched.
type RideDetails struct {
	RideID      string            `json:"ride_id"`
	Status      string            `json:"status"`
	Counterpart *ride.Counterpart `json:"counterpart,omitempty"`
	FinalFare   *float64          `json:"final_fare,omitempty"`
}

// RequestRideResult is returned when a ride request is accepted server-side.
type RequestRideResult struct {
	RideID        string  `json:"ride_id"`
	Status        string  `json:"status"`
	EstimatedFare float64 `json:"estimated_fare"`
}

// SOSResult confirms the backend registered the alert.
type SOSResult struct {
	IncidentNumber string    `json:"incident_number"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// EmergencyContact is a person notified when an SOS fires.
type EmergencyContact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Rating grades the counterpart after a completed ride.
type Rating struct {
	ID      string  `json:"id"`
	RideID  string  `json:"ride_id"`
	Stars   float64 `json:"stars"`
	Comment string  `json:"comment,omitempty"`
}

// TokenPair is the result of a token refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Client is everything the sync core consumes over request/response. Every
// call may block; callers pass a context and must tolerate arbitrarily
// delayed results.
type Client interface {
	RequestRide(ctx context.Context, req ride.Request) (RequestRideResult, error)
	GetFareEstimate(ctx context.Context, pickup, dropoff ride.Location) (FareEstimate, error)
	CancelRide(ctx context.Context, rideID, reason string) error
	GetRideDetails(ctx context.Context, rideID string) (RideDetails, error)

	// Driver-side lifecycle calls.
	AcceptRide(ctx context.Context, rideID string) error
	RejectRide(ctx context.Context, rideID string) error
	StartRide(ctx context.Context, rideID string) error
	CompleteRide(ctx context.Context, rideID string) (RideDetails, error)

	GetEmergencyContacts(ctx context.Context) ([]EmergencyContact, error)
	AddEmergencyContact(ctx context.Context, c EmergencyContact) (EmergencyContact, error)
	RemoveEmergencyContact(ctx context.Context, contactID string) error
	TriggerSOS(ctx context.Context, rideID string, loc ride.Location) (SOSResult, error)

	SubmitRating(ctx context.Context, r Rating) error

	RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error)
}
