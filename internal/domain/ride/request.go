package ride

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidRideRequest = errors.New("invalid ride request")

// Request is the validated input for requesting a ride.
type Request struct {
	RiderID  string
	Pickup   Location
	Dropoff  Location
	RideType string
}

// Validate performs the client-side sanity checks before the request leaves
// the device. Anything failing here is a validation failure the caller must
// fix; nothing is retried.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.RiderID) == "" {
		return fmt.Errorf("%w: rider_id required", ErrInvalidRideRequest)
	}

	coords := []float64{r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng}
	for _, c := range coords {
		if math.IsNaN(c) {
			return fmt.Errorf("%w: coordinate contains NaN", ErrInvalidRideRequest)
		}
		if math.IsInf(c, 0) {
			return fmt.Errorf("%w: coordinate contains infinite value", ErrInvalidRideRequest)
		}
		if c == 0 {
			return fmt.Errorf("%w: coordinates cannot be zero", ErrInvalidRideRequest)
		}
	}

	if r.Pickup.Lat < -90 || r.Pickup.Lat > 90 || r.Dropoff.Lat < -90 || r.Dropoff.Lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidRideRequest)
	}
	if r.Pickup.Lng < -180 || r.Pickup.Lng > 180 || r.Dropoff.Lng < -180 || r.Dropoff.Lng > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidRideRequest)
	}

	if r.RideType != "" {
		r.RideType = strings.ToUpper(r.RideType)
		validTypes := map[string]bool{
			"ECONOMY": true,
			"PREMIUM": true,
			"XL":      true,
		}
		if !validTypes[r.RideType] {
			return fmt.Errorf("%w: invalid ride_type '%s'", ErrInvalidRideRequest, r.RideType)
		}
	}

	return nil
}
