package session

import (
	"context"

	"ridesync/internal/domain/ride"
	"ridesync/internal/faults"
)

// Driver-side lifecycle operations. Each call goes out over REST and, on
// success, moves the local record through the same single mutation point
// that push events use, so the two sources can never race into an invalid
// state.

func (s *Service) AcceptRide(ctx context.Context, rideID string) error {
	if err := s.requireActive(rideID); err != nil {
		return err
	}
	if err := s.api.AcceptRide(ctx, rideID); err != nil {
		return err
	}
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: rideID, Status: string(ride.StatusAccepted), Source: SourceREST})
	return nil
}

func (s *Service) RejectRide(ctx context.Context, rideID string) error {
	return s.api.RejectRide(ctx, rideID)
}

func (s *Service) StartRide(ctx context.Context, rideID string) error {
	if err := s.requireActive(rideID); err != nil {
		return err
	}
	if err := s.api.StartRide(ctx, rideID); err != nil {
		return err
	}
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: rideID, Status: string(ride.StatusInProgress), Source: SourceREST})
	return nil
}

func (s *Service) CompleteRide(ctx context.Context, rideID string) error {
	if err := s.requireActive(rideID); err != nil {
		return err
	}

	details, err := s.api.CompleteRide(ctx, rideID)
	if err != nil {
		return err
	}

	s.ApplyStatusUpdate(ctx, StatusUpdate{
		RideID:    rideID,
		Status:    string(ride.StatusCompleted),
		FinalFare: details.FinalFare,
		Source:    SourceREST,
	})
	return nil
}

func (s *Service) requireActive(rideID string) error {
	if s.ActiveRideID() != rideID {
		return faults.Newf(faults.KindValidationFailure, "ride %s is not the active ride", rideID)
	}
	return nil
}
