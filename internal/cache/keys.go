package cache

import (
	"fmt"
	"time"
)

// Key layout. Prefixes are disjoint per owning component:
//
//	ride/active                      ride session service
//	chat/<ride>/<nanos>-<id>         chat delivery pipeline
//	sos/<ride>                       emergency controller
//	pending/rating/<ride>/<id>       ride session service (resync pass)
//	contacts/emergency               emergency controller (read fallback)
//	fare/last                        ride session service (read fallback)
const (
	KeyActiveRide        = "ride/active"
	PrefixChat           = "chat/"
	PrefixSOS            = "sos/"
	PrefixPendingRating  = "pending/rating/"
	KeyEmergencyContacts = "contacts/emergency"
	KeyLastFare          = "fare/last"
)

// ChatPrefix is the listing prefix for one ride's messages.
func ChatPrefix(rideID string) string {
	return PrefixChat + rideID + "/"
}

// ChatKey orders messages by creation time within a ride: the zero-padded
// nanosecond timestamp makes lexicographic key order equal creation order.
func ChatKey(rideID, messageID string, createdAt time.Time) string {
	return fmt.Sprintf("%s%020d-%s", ChatPrefix(rideID), createdAt.UnixNano(), messageID)
}

func SOSKey(rideID string) string {
	return PrefixSOS + rideID
}

func PendingRatingPrefix(rideID string) string {
	return PrefixPendingRating + rideID + "/"
}

func PendingRatingKey(rideID, ratingID string) string {
	return PendingRatingPrefix(rideID) + ratingID
}
