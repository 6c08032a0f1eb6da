package emergency

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"ridesync/internal/contracts"
	"ridesync/internal/logger"
)

// Pusher is the outbound slice of the push channel.
type Pusher interface {
	Send(v any) error
}

// Reporter periodically sends the device position upstream while a ride is
// active. The interval is the normal cadence until an SOS tightens it.
type Reporter struct {
	provider   LocationProvider
	push       Pusher
	activeRide func() string

	normal    time.Duration
	emergency time.Duration

	emergencyOn atomic.Bool
	rearm       chan struct{}

	log *slog.Logger
}

func NewReporter(provider LocationProvider, push Pusher, activeRide func() string, normal, emergency time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{
		provider:   provider,
		push:       push,
		activeRide: activeRide,
		normal:     normal,
		emergency:  emergency,
		rearm:      make(chan struct{}, 1),
		log:        log,
	}
}

// SetEmergencyCadence switches the reporting interval. Repeated calls with
// the current mode are no-ops.
func (r *Reporter) SetEmergencyCadence(on bool) {
	if r.emergencyOn.Swap(on) == on {
		return
	}
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

// Interval reports the currently effective cadence.
func (r *Reporter) Interval() time.Duration {
	if r.emergencyOn.Load() {
		return r.emergency
	}
	return r.normal
}

// Run ticks until ctx ends. A cadence switch re-arms the ticker immediately
// rather than waiting out the old interval.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.rearm:
			ticker.Reset(r.Interval())
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

// report sends one position sample. Failures are skipped, never retried:
// the next tick supersedes a stale sample anyway.
func (r *Reporter) report(ctx context.Context) {
	rideID := r.activeRide()
	if rideID == "" {
		return
	}

	loc, err := r.provider.CurrentLocation(ctx)
	if err != nil {
		logger.Error(ctx, r.log, "location_read_failed", "Skipping position sample", err)
		return
	}

	frame := contracts.OutboundLocation{
		Type:      contracts.OutboundLocationUpdate,
		RideID:    rideID,
		Location:  contracts.GeoPoint{Lat: loc.Lat, Lng: loc.Lng},
		Timestamp: time.Now().UTC(),
	}
	if err := r.push.Send(frame); err != nil {
		// channel down; samples are not queued
		return
	}
}
