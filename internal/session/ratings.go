package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ridesync/internal/cache"
	"ridesync/internal/contextx"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/rest"
	"ridesync/internal/retry"
)

// pendingRating is a rating durably queued behind a network precondition.
type pendingRating struct {
	Rating         rest.Rating `json:"rating"`
	Attempts       int         `json:"attempts"`
	NextEligibleAt time.Time   `json:"next_eligible_at"`
}

// ratingBackoff spaces redelivery attempts for queued ratings.
var ratingBackoff = retry.Policy{MaxAttempts: 3, Base: 30 * time.Second, Cap: 10 * time.Minute}

// SubmitRating grades the counterpart of a ride. A transient network failure
// queues the rating durably and reports success: accepted locally, pending
// delivery.
func (s *Service) SubmitRating(ctx context.Context, rideID string, stars float64, comment string) error {
	if stars < 1 || stars > 5 {
		return faults.Newf(faults.KindValidationFailure, "stars must be between 1 and 5")
	}
	if rideID == "" {
		return faults.Newf(faults.KindValidationFailure, "ride id is required")
	}

	rating := rest.Rating{
		ID:      uuid.NewString(),
		RideID:  rideID,
		Stars:   stars,
		Comment: comment,
	}

	err := s.api.SubmitRating(ctx, rating)
	if err == nil {
		return nil
	}
	if !faults.IsTransient(err) {
		return err
	}

	pending := pendingRating{Rating: rating}
	raw, mErr := json.Marshal(pending)
	if mErr != nil {
		return faults.New(faults.KindValidationFailure, mErr)
	}
	if pErr := s.store.Put(cache.PendingRatingKey(rideID, rating.ID), raw); pErr != nil {
		return pErr
	}

	logger.Info(contextx.WithRideID(ctx, rideID), s.log, "rating_queued", "Rating queued for delivery")
	return nil
}

// ResyncPendingRatings re-drives queued ratings. Called once per
// reconnection; each rating past its eligibility time is attempted once.
func (s *Service) ResyncPendingRatings(ctx context.Context) {
	entries, err := s.store.ListByPrefix(cache.PrefixPendingRating)
	if err != nil {
		logger.Error(ctx, s.log, "rating_resync_failed", "Cannot list pending ratings", err)
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		var pending pendingRating
		if err := json.Unmarshal(entry.Value, &pending); err != nil {
			logger.Error(ctx, s.log, "rating_corrupt", "Dropping unreadable pending rating", err)
			_ = s.store.Delete(entry.Key)
			continue
		}

		if pending.NextEligibleAt.After(now) {
			continue
		}

		err := s.api.SubmitRating(ctx, pending.Rating)
		if err == nil {
			_ = s.store.Delete(entry.Key)
			continue
		}
		if !faults.IsTransient(err) {
			// the backend refuses it for good; no amount of retrying helps
			logger.Error(ctx, s.log, "rating_rejected", "Dropping rejected rating", err)
			_ = s.store.Delete(entry.Key)
			continue
		}

		pending.Attempts++
		pending.NextEligibleAt = now.Add(ratingBackoff.Delay(pending.Attempts))
		if raw, mErr := json.Marshal(pending); mErr == nil {
			_ = s.store.Put(entry.Key, raw)
		}
	}
}
