package ride

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Counterpart is the other party on the ride: the driver for a rider session,
// the rider for a driver session. Nil until known.
type Counterpart struct {
	ID      string
	Name    string
	Rating  float64
	Phone   string
	Vehicle string
}

// Location is a point with an optional human-readable address.
type Location struct {
	Lat     float64
	Lng     float64
	Address string
}

// Record is the authoritative in-memory ride. Exactly one Record is active
// per session; all mutation funnels through the session service.
type Record struct {
	ID      string
	Status  Status
	Pickup  Location
	Dropoff Location

	Counterpart *Counterpart

	// Last known counterpart position, streamed during the ride.
	DriverLocation *Location

	EstimatedFare *float64
	FinalFare     *float64
	DistanceKM    *float64
	DurationMin   *int

	RequestedAt time.Time
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	CancellationReason *string

	UpdatedAt time.Time
}

var (
	ErrRideIDRequired          = errors.New("ride id is required")
	ErrInvalidStatusTransition = errors.New("invalid ride status transition")
)

// NewRecord creates a ride in REQUESTED state.
func NewRecord(id string, pickup, dropoff Location) (*Record, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrRideIDRequired
	}

	now := time.Now().UTC()
	return &Record{
		ID:          id,
		Status:      StatusRequested,
		Pickup:      pickup,
		Dropoff:     dropoff,
		RequestedAt: now,
		UpdatedAt:   now,
	}, nil
}

// ApplyStatus moves the record to next if the transition is legal, stamping
// the matching lifecycle timestamp. Re-applying the current status is an
// idempotent no-op. Regressive or out-of-order statuses return
// ErrInvalidStatusTransition and leave the record untouched.
func (r *Record) ApplyStatus(next Status, at time.Time) error {
	if !next.Valid() {
		return ErrInvalidStatus
	}
	if next == r.Status {
		return nil
	}
	if !r.Status.CanTransitionTo(next) {
		return ErrInvalidStatusTransition
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch next {
	case StatusAccepted:
		r.AcceptedAt = &at
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	}

	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCounterpart fills in the other party's details. Overwrites nothing with
// nothing: a nil argument is ignored so a late empty detail fetch cannot
// erase data a push event already delivered.
func (r *Record) SetCounterpart(c *Counterpart) {
	if c == nil {
		return
	}
	r.Counterpart = c
	r.UpdatedAt = time.Now().UTC()
}

// SetDriverLocation records the latest streamed counterpart position.
func (r *Record) SetDriverLocation(loc Location) {
	r.DriverLocation = &loc
	r.UpdatedAt = time.Now().UTC()
}

// SetCancellationReason attaches a reason once the ride is cancelled.
func (r *Record) SetCancellationReason(reason string) {
	if rs := strings.TrimSpace(reason); rs != "" {
		r.CancellationReason = &rs
	}
}

// Clone returns a deep copy safe to hand to readers outside the single
// mutation point.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Counterpart != nil {
		c := *r.Counterpart
		cp.Counterpart = &c
	}
	if r.DriverLocation != nil {
		l := *r.DriverLocation
		cp.DriverLocation = &l
	}
	cp.EstimatedFare = cloneFloat(r.EstimatedFare)
	cp.FinalFare = cloneFloat(r.FinalFare)
	cp.DistanceKM = cloneFloat(r.DistanceKM)
	cp.DurationMin = cloneInt(r.DurationMin)
	cp.AcceptedAt = cloneTime(r.AcceptedAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	if r.CancellationReason != nil {
		s := *r.CancellationReason
		cp.CancellationReason = &s
	}
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ----- fare estimation -----

// EstimateFare returns fare, distance and duration for a pickup/dropoff pair
// using a simple average-city-speed heuristic.
func EstimateFare(pickup, dropoff Location) (fare float64, distKM float64, durMin int) {
	distKM = HaversineKM(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	durMin = estimateDurationMin(distKM, 25)
	base := 500.0
	perKM := 100.0
	perMin := 50.0
	raw := base + perKM*distKM + perMin*float64(durMin)
	fare = math.Round(raw/10) * 10
	return
}

// HaversineKM is the great-circle distance in kilometers.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func estimateDurationMin(distanceKM, avgSpeedKMH float64) int {
	if avgSpeedKMH <= 1 {
		avgSpeedKMH = 25
	}
	minutes := distanceKM / avgSpeedKMH * 60
	if minutes < 1 {
		minutes = 1
	}
	return int(math.Ceil(minutes))
}
