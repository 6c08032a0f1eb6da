// Package session owns the single authoritative in-memory ride record and
// merges the three update sources (REST responses, push events, cached
// state) into it. All mutation funnels through this service; no other
// component holds a writable copy.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ridesync/internal/cache"
	"ridesync/internal/contextx"
	"ridesync/internal/contracts"
	"ridesync/internal/domain/ride"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
	"ridesync/internal/rest"
)

// Update sources, used for logging and drop metrics only.
const (
	SourceREST  = "rest"
	SourcePush  = "push"
	SourceCache = "cache"
)

// StatusUpdate is one incoming status observation from any source.
type StatusUpdate struct {
	RideID    string
	Status    string
	At        time.Time
	Reason    string
	FinalFare *float64
	Source    string
}

// TerminalObservation remembers the last ride that ended so late duplicate
// terminal events are recognized as no-ops rather than invalid transitions.
type TerminalObservation struct {
	RideID string
	Status ride.Status
}

// Service is the ride state machine.
type Service struct {
	mu           sync.Mutex
	active       *ride.Record
	lastTerminal *TerminalObservation

	// requesting holds the active-ride slot while a ride request is in
	// flight, so a concurrent request is refused before it reaches the
	// server instead of silently overwriting the first install.
	requesting bool

	// onTerminal callbacks run outside the lock after a ride ends.
	onTerminal []func(rideID string, status ride.Status)

	store cache.Store
	api   rest.Client
	log   *slog.Logger
}

func New(store cache.Store, api rest.Client, log *slog.Logger) *Service {
	return &Service{store: store, api: api, log: log}
}

// OnTerminal registers a callback fired once per ride when it reaches a
// terminal status. The chat pipeline uses it to archive the thread.
func (s *Service) OnTerminal(fn func(rideID string, status ride.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = append(s.onTerminal, fn)
}

// LoadActive restores the cached ride at startup. A cached terminal ride is
// discarded: the terminal event was already observed before shutdown.
func (s *Service) LoadActive(ctx context.Context) error {
	raw, err := s.store.Get(cache.KeyActiveRide)
	if err == cache.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	var rec ride.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		logger.Error(ctx, s.log, "cached_ride_corrupt", "Dropping unreadable cached ride", err)
		return s.store.Delete(cache.KeyActiveRide)
	}

	if rec.Status.Terminal() {
		return s.store.Delete(cache.KeyActiveRide)
	}

	s.mu.Lock()
	s.active = &rec
	s.mu.Unlock()

	logger.Info(contextx.WithRideID(ctx, rec.ID), s.log, "ride_restored", "Active ride restored from cache")
	return nil
}

// Snapshot returns a deep copy of the active ride, or nil when none.
func (s *Service) Snapshot() *ride.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

// ActiveRideID returns the active ride's id, or "".
func (s *Service) ActiveRideID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

// LastTerminal reports the most recently ended ride, if any.
func (s *Service) LastTerminal() *TerminalObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTerminal == nil {
		return nil
	}
	obs := *s.lastTerminal
	return &obs
}

// RequestRide validates and issues the ride request, then installs the new
// active ride. Refused while another ride is active or another request is
// still in flight.
func (s *Service) RequestRide(ctx context.Context, req ride.Request) (*ride.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, faults.New(faults.KindValidationFailure, err)
	}

	s.mu.Lock()
	if s.active != nil {
		id := s.active.ID
		s.mu.Unlock()
		return nil, faults.Newf(faults.KindValidationFailure, "ride %s already active", id)
	}
	if s.requesting {
		s.mu.Unlock()
		return nil, faults.Newf(faults.KindValidationFailure, "a ride request is already in flight")
	}
	s.requesting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.requesting = false
		s.mu.Unlock()
	}()

	res, err := s.api.RequestRide(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, err := ride.NewRecord(res.RideID, req.Pickup, req.Dropoff)
	if err != nil {
		return nil, faults.New(faults.KindValidationFailure, err)
	}
	rec.EstimatedFare = &res.EstimatedFare

	s.mu.Lock()
	// the ride may have been cancelled server-side while the response was
	// in flight; a terminal observation for it means we never install it
	if s.lastTerminal != nil && s.lastTerminal.RideID == rec.ID {
		s.mu.Unlock()
		return nil, faults.Newf(faults.KindValidationFailure, "ride %s ended before the request response arrived", rec.ID)
	}
	s.active = rec
	s.persistLocked(ctx)
	snapshot := rec.Clone()
	s.mu.Unlock()

	// the server may already report SEARCHING in the response
	if res.Status != "" {
		s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: rec.ID, Status: res.Status, Source: SourceREST})
		snapshot = s.Snapshot()
	}

	logger.Info(contextx.WithRideID(ctx, rec.ID), s.log, "ride_requested", "Ride requested")
	return snapshot, nil
}

// CancelRide cancels the active ride. The cancellation is applied through
// the same single mutation point as every other status change.
func (s *Service) CancelRide(ctx context.Context, reason string) error {
	rideID := s.ActiveRideID()
	if rideID == "" {
		return faults.Newf(faults.KindValidationFailure, "no active ride to cancel")
	}

	if err := s.api.CancelRide(ctx, rideID, reason); err != nil {
		return err
	}

	s.ApplyStatusUpdate(ctx, StatusUpdate{
		RideID: rideID,
		Status: string(ride.StatusCancelled),
		Reason: reason,
		Source: SourceREST,
	})
	return nil
}

// GetFareEstimate quotes a trip. Transient network failures fall back to a
// locally computed estimate so the read path degrades to stale-but-available
// rather than failing the caller.
func (s *Service) GetFareEstimate(ctx context.Context, pickup, dropoff ride.Location) (rest.FareEstimate, error) {
	est, err := s.api.GetFareEstimate(ctx, pickup, dropoff)
	if err == nil {
		if raw, mErr := json.Marshal(est); mErr == nil {
			_ = s.store.Put(cache.KeyLastFare, raw)
		}
		return est, nil
	}
	if !faults.IsTransient(err) {
		return rest.FareEstimate{}, err
	}

	logger.Info(ctx, s.log, "fare_estimate_offline", "Falling back to local fare estimate")
	fare, dist, dur := ride.EstimateFare(pickup, dropoff)
	return rest.FareEstimate{Fare: fare, DistanceKM: dist, DurationMin: dur}, nil
}

// ApplyStatusUpdate is the single allowed path for status mutation from any
// source. Invalid or out-of-order updates are dropped and logged; they are
// an internal consistency guard, not the current operation's failure.
func (s *Service) ApplyStatusUpdate(ctx context.Context, u StatusUpdate) {
	status, err := ride.ParseStatus(u.Status)
	if err != nil {
		logger.Error(ctx, s.log, "status_unparseable", "Dropping unparseable status "+u.Status, err)
		observability.TransitionsDroppedTotal.WithLabelValues(u.Source).Inc()
		return
	}

	ctx = contextx.WithRideID(ctx, u.RideID)

	s.mu.Lock()

	// late duplicate terminal delivery for an already-cleared ride
	if s.active == nil || s.active.ID != u.RideID {
		dup := s.lastTerminal != nil && s.lastTerminal.RideID == u.RideID && s.lastTerminal.Status == status
		s.mu.Unlock()
		if !dup {
			logger.Info(ctx, s.log, "status_for_unknown_ride", "Dropping status "+status.String()+" for inactive ride")
			observability.TransitionsDroppedTotal.WithLabelValues(u.Source).Inc()
		}
		return
	}

	prev := s.active.Status
	if err := s.active.ApplyStatus(status, u.At); err != nil {
		s.mu.Unlock()
		logger.Info(ctx, s.log, "status_dropped",
			"Dropping "+u.Source+" status "+status.String()+" on "+prev.String())
		observability.TransitionsDroppedTotal.WithLabelValues(u.Source).Inc()
		return
	}
	if prev == status {
		// idempotent re-delivery
		s.mu.Unlock()
		return
	}

	observability.TransitionsAppliedTotal.WithLabelValues(status.String()).Inc()

	if status == ride.StatusCancelled {
		s.active.SetCancellationReason(u.Reason)
	}
	if u.FinalFare != nil {
		s.active.FinalFare = u.FinalFare
	}

	needDetails := status == ride.StatusAccepted && s.active.Counterpart == nil
	rideID := s.active.ID

	if status.Terminal() {
		s.lastTerminal = &TerminalObservation{RideID: rideID, Status: status}
		s.active = nil
		_ = s.store.Delete(cache.KeyActiveRide)
		callbacks := make([]func(string, ride.Status), len(s.onTerminal))
		copy(callbacks, s.onTerminal)
		s.mu.Unlock()

		logger.Info(ctx, s.log, "ride_ended", "Ride reached "+status.String())
		for _, fn := range callbacks {
			fn(rideID, status)
		}
		return
	}

	s.persistLocked(ctx)
	s.mu.Unlock()

	logger.Info(ctx, s.log, "status_applied", "Ride moved "+prev.String()+" -> "+status.String())

	if needDetails {
		// best-effort: failure leaves counterpart details empty, it never
		// blocks the transition
		go s.fetchCounterpart(context.WithoutCancel(ctx), rideID)
	}
}

// ApplyAccepted handles the ride_accepted push event, which may carry the
// counterpart inline and then skips the detail fetch.
func (s *Service) ApplyAccepted(ctx context.Context, ev contracts.RideAccepted) {
	if ev.Driver != nil {
		s.mu.Lock()
		if s.active != nil && s.active.ID == ev.RideID {
			s.active.SetCounterpart(&ride.Counterpart{
				ID:     ev.Driver.ID,
				Name:   ev.Driver.Name,
				Rating: ev.Driver.Rating,
				Phone:  ev.Driver.Phone,
			})
			s.persistLocked(ctx)
		}
		s.mu.Unlock()
	}

	s.ApplyStatusUpdate(ctx, StatusUpdate{
		RideID: ev.RideID,
		Status: string(ride.StatusAccepted),
		At:     ev.Timestamp,
		Source: SourcePush,
	})
}

// ApplyDriverLocation records the streamed counterpart position.
func (s *Service) ApplyDriverLocation(ev contracts.DriverLocationUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != ev.RideID {
		return
	}
	s.active.SetDriverLocation(ride.Location{Lat: ev.Location.Lat, Lng: ev.Location.Lng})
}

// fetchCounterpart loads driver details after ACCEPTED when the push event
// did not carry them. Applies only if the ride is still active and unfilled.
func (s *Service) fetchCounterpart(ctx context.Context, rideID string) {
	details, err := s.api.GetRideDetails(ctx, rideID)
	if err != nil {
		logger.Error(ctx, s.log, "counterpart_fetch_failed", "Detail fetch failed, will stay empty until retried", err)
		return
	}
	if details.Counterpart == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != rideID || s.active.Counterpart != nil {
		return
	}
	s.active.SetCounterpart(details.Counterpart)
	s.persistLocked(ctx)
}

// persistLocked writes the active ride to the cache. Callers hold s.mu.
func (s *Service) persistLocked(ctx context.Context) {
	if s.active == nil {
		return
	}
	raw, err := json.Marshal(s.active)
	if err != nil {
		logger.Error(ctx, s.log, "ride_persist_failed", "Failed to encode ride for cache", err)
		return
	}
	if err := s.store.Put(cache.KeyActiveRide, raw); err != nil {
		logger.Error(ctx, s.log, "ride_persist_failed", "Failed to cache ride", err)
	}
}
