package ride

import (
	"errors"
	"strings"
)

// Status is a ride lifecycle state as seen by the sync core.
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusSearching  Status = "SEARCHING"
	StatusAccepted   Status = "ACCEPTED"
	StatusArrived    Status = "ARRIVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid ride status")

// ParseStatus normalizes (uppercases+trims) and validates a status string.
// "DRIVER_ARRIVING" is accepted as a wire alias of ACCEPTED: some backends
// report the post-match leg under that name.
func ParseStatus(in string) (Status, error) {
	s := strings.ToUpper(strings.TrimSpace(in))
	if s == "DRIVER_ARRIVING" {
		return StatusAccepted, nil
	}
	status := Status(s)
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed ride status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusRequested, StatusSearching, StatusAccepted, StatusArrived,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// rank orders statuses along the canonical chain. CANCELLED shares the
// terminal rank with COMPLETED since both end the ride.
func (status Status) rank() int {
	switch status {
	case StatusRequested:
		return 0
	case StatusSearching:
		return 1
	case StatusAccepted:
		return 2
	case StatusArrived:
		return 3
	case StatusInProgress:
		return 4
	case StatusCompleted, StatusCancelled:
		return 5
	default:
		return -1
	}
}

// CanTransitionTo specifies if the status can transition to the next status.
// Any non-terminal status may move to CANCELLED; otherwise only the direct
// forward successor is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	if status.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}

	switch status {
	case StatusRequested:
		return next == StatusSearching
	case StatusSearching:
		return next == StatusAccepted
	case StatusAccepted:
		return next == StatusArrived
	case StatusArrived:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted
	default:
		return false
	}
}

// Before reports whether status sits strictly earlier than other on the
// canonical chain. Used to classify an update as regressive.
func (status Status) Before(other Status) bool {
	return status.rank() < other.rank()
}

// Terminal indicates if the status is in a terminal/completed state.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}
