package session

import (
	"context"
	"encoding/json"

	"ridesync/internal/contracts"
	"ridesync/internal/events"
	"ridesync/internal/logger"
)

// Run consumes ride-related push events from the multiplexer until ctx ends.
// When the source drops, the service simply keeps serving the cached record;
// there is nothing to tear down.
func (s *Service) Run(ctx context.Context, mux *events.Multiplexer) {
	sub := mux.Subscribe(
		contracts.EventRideStatusChanged,
		contracts.EventRideAccepted,
		contracts.EventDriverLocationUpdate,
	)
	defer mux.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.SourceDown():
			logger.Info(ctx, s.log, "push_source_down", "Push stream gone, serving cached ride state")
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Service) handleFrame(ctx context.Context, frame contracts.Frame) {
	switch frame.Type {
	case contracts.EventRideStatusChanged:
		var ev contracts.RideStatusChanged
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, s.log, "event_decode_failed", "Bad ride_status_changed payload", err)
			return
		}
		s.ApplyStatusUpdate(ctx, StatusUpdate{
			RideID:    ev.RideID,
			Status:    ev.Status,
			At:        ev.Timestamp,
			Reason:    ev.Reason,
			FinalFare: ev.FinalFare,
			Source:    SourcePush,
		})

	case contracts.EventRideAccepted:
		var ev contracts.RideAccepted
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, s.log, "event_decode_failed", "Bad ride_accepted payload", err)
			return
		}
		s.ApplyAccepted(ctx, ev)

	case contracts.EventDriverLocationUpdate:
		var ev contracts.DriverLocationUpdate
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, s.log, "event_decode_failed", "Bad driver_location_update payload", err)
			return
		}
		s.ApplyDriverLocation(ev)
	}
}
