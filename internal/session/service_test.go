package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridesync/internal/cache"
	"ridesync/internal/contracts"
	"ridesync/internal/domain/ride"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/rest"
)

// fakeAPI scripts the REST boundary per test.
type fakeAPI struct {
	requestRide    func(ctx context.Context, req ride.Request) (rest.RequestRideResult, error)
	fareEstimate   func(ctx context.Context, pickup, dropoff ride.Location) (rest.FareEstimate, error)
	cancelRide     func(ctx context.Context, rideID, reason string) error
	rideDetails    func(ctx context.Context, rideID string) (rest.RideDetails, error)
	acceptRide     func(ctx context.Context, rideID string) error
	startRide      func(ctx context.Context, rideID string) error
	completeRide   func(ctx context.Context, rideID string) (rest.RideDetails, error)
	submitRating   func(ctx context.Context, r rest.Rating) error
	triggerSOS     func(ctx context.Context, rideID string, loc ride.Location) (rest.SOSResult, error)
}

func (f *fakeAPI) RequestRide(ctx context.Context, req ride.Request) (rest.RequestRideResult, error) {
	if f.requestRide == nil {
		return rest.RequestRideResult{RideID: "ride-1", Status: "REQUESTED"}, nil
	}
	return f.requestRide(ctx, req)
}

func (f *fakeAPI) GetFareEstimate(ctx context.Context, pickup, dropoff ride.Location) (rest.FareEstimate, error) {
	if f.fareEstimate == nil {
		return rest.FareEstimate{}, nil
	}
	return f.fareEstimate(ctx, pickup, dropoff)
}

func (f *fakeAPI) CancelRide(ctx context.Context, rideID, reason string) error {
	if f.cancelRide == nil {
		return nil
	}
	return f.cancelRide(ctx, rideID, reason)
}

func (f *fakeAPI) GetRideDetails(ctx context.Context, rideID string) (rest.RideDetails, error) {
	if f.rideDetails == nil {
		return rest.RideDetails{RideID: rideID}, nil
	}
	return f.rideDetails(ctx, rideID)
}

func (f *fakeAPI) AcceptRide(ctx context.Context, rideID string) error {
	if f.acceptRide == nil {
		return nil
	}
	return f.acceptRide(ctx, rideID)
}

func (f *fakeAPI) RejectRide(context.Context, string) error { return nil }

func (f *fakeAPI) StartRide(ctx context.Context, rideID string) error {
	if f.startRide == nil {
		return nil
	}
	return f.startRide(ctx, rideID)
}

func (f *fakeAPI) CompleteRide(ctx context.Context, rideID string) (rest.RideDetails, error) {
	if f.completeRide == nil {
		return rest.RideDetails{RideID: rideID}, nil
	}
	return f.completeRide(ctx, rideID)
}

func (f *fakeAPI) GetEmergencyContacts(context.Context) ([]rest.EmergencyContact, error) {
	return nil, nil
}

func (f *fakeAPI) AddEmergencyContact(_ context.Context, c rest.EmergencyContact) (rest.EmergencyContact, error) {
	return c, nil
}

func (f *fakeAPI) RemoveEmergencyContact(context.Context, string) error { return nil }

func (f *fakeAPI) TriggerSOS(ctx context.Context, rideID string, loc ride.Location) (rest.SOSResult, error) {
	if f.triggerSOS == nil {
		return rest.SOSResult{}, nil
	}
	return f.triggerSOS(ctx, rideID, loc)
}

func (f *fakeAPI) SubmitRating(ctx context.Context, r rest.Rating) error {
	if f.submitRating == nil {
		return nil
	}
	return f.submitRating(ctx, r)
}

func (f *fakeAPI) RefreshToken(context.Context, string) (rest.TokenPair, error) {
	return rest.TokenPair{}, nil
}

func newTestService(t *testing.T, api rest.Client) (*Service, cache.Store) {
	t.Helper()
	store, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	if api == nil {
		api = &fakeAPI{}
	}
	return New(store, api, logger.New("session-test")), store
}

func requestTestRide(t *testing.T, s *Service) *ride.Record {
	t.Helper()
	rec, err := s.RequestRide(context.Background(), ride.Request{
		RiderID: "rider-1",
		Pickup:  ride.Location{Lat: 43.23, Lng: 76.88},
		Dropoff: ride.Location{Lat: 43.25, Lng: 76.95},
	})
	require.NoError(t, err)
	return rec
}

func TestRequestRideInstallsAndPersists(t *testing.T) {
	s, store := newTestService(t, nil)
	rec := requestTestRide(t, s)

	assert.Equal(t, "ride-1", rec.ID)
	assert.Equal(t, ride.StatusRequested, rec.Status)

	raw, err := store.Get(cache.KeyActiveRide)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ride-1"`)
}

func TestRequestRideRejectsSecondActiveRide(t *testing.T) {
	s, _ := newTestService(t, nil)
	requestTestRide(t, s)

	_, err := s.RequestRide(context.Background(), ride.Request{
		RiderID: "rider-1",
		Pickup:  ride.Location{Lat: 43.23, Lng: 76.88},
		Dropoff: ride.Location{Lat: 43.25, Lng: 76.95},
	})
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}

func TestRequestRideRefusedWhileRequestInFlight(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	api := &fakeAPI{
		requestRide: func(context.Context, ride.Request) (rest.RequestRideResult, error) {
			calls.Add(1)
			<-gate
			return rest.RequestRideResult{RideID: "ride-A", Status: "REQUESTED"}, nil
		},
	}
	s, _ := newTestService(t, api)

	type result struct {
		rec *ride.Record
		err error
	}
	recCh := make(chan result, 1)
	go func() {
		rec, err := s.RequestRide(context.Background(), ride.Request{
			RiderID: "rider-1",
			Pickup:  ride.Location{Lat: 43.23, Lng: 76.88},
			Dropoff: ride.Location{Lat: 43.25, Lng: 76.95},
		})
		recCh <- result{rec, err}
	}()

	// wait until the first request is parked inside the REST call
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, int32(1), calls.Load())

	_, err := s.RequestRide(context.Background(), ride.Request{
		RiderID: "rider-1",
		Pickup:  ride.Location{Lat: 43.23, Lng: 76.88},
		Dropoff: ride.Location{Lat: 43.25, Lng: 76.95},
	})
	require.Error(t, err, "second request must be refused before reaching the server")
	assert.True(t, faults.IsValidation(err))
	assert.Equal(t, int32(1), calls.Load(), "only one server-side ride request may exist")

	close(gate)
	first := <-recCh
	require.NoError(t, first.err)
	assert.Equal(t, "ride-A", first.rec.ID)
	assert.Equal(t, "ride-A", s.ActiveRideID())
}

func TestRequestRideValidationFailure(t *testing.T) {
	s, _ := newTestService(t, nil)
	_, err := s.RequestRide(context.Background(), ride.Request{RiderID: " "})
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}

func TestOutOfOrderPushAndRESTUpdates(t *testing.T) {
	s, _ := newTestService(t, nil)
	requestTestRide(t, s)
	ctx := context.Background()

	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "SEARCHING", Source: SourcePush})
	// push delivers ACCEPTED first
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "ACCEPTED", Source: SourcePush})
	// then a delayed REST response still claims SEARCHING
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "SEARCHING", Source: SourceREST})

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, ride.StatusAccepted, snap.Status, "regressive REST update must be dropped")
}

func TestMonotonicUnderAnyInterleaving(t *testing.T) {
	s, _ := newTestService(t, nil)
	requestTestRide(t, s)
	ctx := context.Background()

	updates := []string{"ACCEPTED", "SEARCHING", "REQUESTED", "ARRIVED", "SEARCHING", "IN_PROGRESS", "ACCEPTED"}
	highest := ride.StatusRequested
	for _, u := range updates {
		s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: u, Source: SourcePush})
		snap := s.Snapshot()
		require.NotNil(t, snap)
		assert.False(t, snap.Status.Before(highest), "status regressed to %s", snap.Status)
		highest = snap.Status
	}
}

func TestTerminalClearsSlotOnceAndIsIdempotent(t *testing.T) {
	s, store := newTestService(t, nil)
	requestTestRide(t, s)
	ctx := context.Background()

	var terminalCalls atomic.Int32
	s.OnTerminal(func(rideID string, status ride.Status) {
		terminalCalls.Add(1)
		assert.Equal(t, "ride-1", rideID)
		assert.Equal(t, ride.StatusCancelled, status)
	})

	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "CANCELLED", Reason: "rider change of plans", Source: SourcePush})
	assert.Nil(t, s.Snapshot(), "active slot cleared after terminal")
	_, err := store.Get(cache.KeyActiveRide)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// duplicate terminal delivery is a no-op, not an error
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "CANCELLED", Source: SourcePush})
	assert.Equal(t, int32(1), terminalCalls.Load())

	obs := s.LastTerminal()
	require.NotNil(t, obs)
	assert.Equal(t, "ride-1", obs.RideID)
	assert.Equal(t, ride.StatusCancelled, obs.Status)
}

func TestCounterpartFetchedAfterAccepted(t *testing.T) {
	var fetches atomic.Int32
	api := &fakeAPI{
		rideDetails: func(_ context.Context, rideID string) (rest.RideDetails, error) {
			fetches.Add(1)
			return rest.RideDetails{
				RideID:      rideID,
				Counterpart: &ride.Counterpart{ID: "drv-7", Name: "Dana", Rating: 4.8},
			}, nil
		},
	}
	s, _ := newTestService(t, api)
	requestTestRide(t, s)
	ctx := context.Background()

	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "SEARCHING", Source: SourcePush})
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "ACCEPTED", Source: SourcePush})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap != nil && snap.Counterpart != nil {
			assert.Equal(t, "drv-7", snap.Counterpart.ID)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("counterpart never filled in")
}

func TestCounterpartFetchFailureDoesNotBlockTransition(t *testing.T) {
	api := &fakeAPI{
		rideDetails: func(context.Context, string) (rest.RideDetails, error) {
			return rest.RideDetails{}, faults.Newf(faults.KindTransientNetwork, "offline")
		},
	}
	s, _ := newTestService(t, api)
	requestTestRide(t, s)
	ctx := context.Background()

	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "SEARCHING", Source: SourcePush})
	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "ACCEPTED", Source: SourcePush})

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, ride.StatusAccepted, snap.Status)
	assert.Nil(t, snap.Counterpart)
}

func TestAcceptedEventWithInlineDriverSkipsFetch(t *testing.T) {
	var fetches atomic.Int32
	api := &fakeAPI{
		rideDetails: func(context.Context, string) (rest.RideDetails, error) {
			fetches.Add(1)
			return rest.RideDetails{}, nil
		},
	}
	s, _ := newTestService(t, api)
	requestTestRide(t, s)
	ctx := context.Background()

	s.ApplyStatusUpdate(ctx, StatusUpdate{RideID: "ride-1", Status: "SEARCHING", Source: SourcePush})
	s.ApplyAccepted(ctx, contractsRideAccepted("ride-1", "drv-9"))

	snap := s.Snapshot()
	require.NotNil(t, snap)
	require.NotNil(t, snap.Counterpart)
	assert.Equal(t, "drv-9", snap.Counterpart.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fetches.Load(), "inline driver details make the fetch unnecessary")
}

func TestLoadActiveRestoresRide(t *testing.T) {
	s, store := newTestService(t, nil)
	requestTestRide(t, s)

	// a second service over the same store simulates process restart
	s2 := New(store, &fakeAPI{}, logger.New("session-test"))
	require.NoError(t, s2.LoadActive(context.Background()))

	snap := s2.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "ride-1", snap.ID)
}

func TestLoadActiveDiscardsTerminalRide(t *testing.T) {
	store, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(cache.KeyActiveRide, []byte(`{"ID":"ride-9","Status":"COMPLETED"}`)))

	s := New(store, &fakeAPI{}, logger.New("session-test"))
	require.NoError(t, s.LoadActive(context.Background()))
	assert.Nil(t, s.Snapshot())

	_, err = store.Get(cache.KeyActiveRide)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCancelRide(t *testing.T) {
	var gotReason string
	var mu sync.Mutex
	api := &fakeAPI{
		cancelRide: func(_ context.Context, rideID, reason string) error {
			mu.Lock()
			gotReason = reason
			mu.Unlock()
			return nil
		},
	}
	s, _ := newTestService(t, api)
	requestTestRide(t, s)

	require.NoError(t, s.CancelRide(context.Background(), "waited too long"))
	assert.Nil(t, s.Snapshot())
	mu.Lock()
	assert.Equal(t, "waited too long", gotReason)
	mu.Unlock()
}

func TestFareEstimateFallsBackOffline(t *testing.T) {
	api := &fakeAPI{
		fareEstimate: func(context.Context, ride.Location, ride.Location) (rest.FareEstimate, error) {
			return rest.FareEstimate{}, faults.Newf(faults.KindTransientNetwork, "offline")
		},
	}
	s, _ := newTestService(t, api)

	est, err := s.GetFareEstimate(context.Background(),
		ride.Location{Lat: 43.23, Lng: 76.88},
		ride.Location{Lat: 43.25, Lng: 76.95},
	)
	require.NoError(t, err, "read path degrades to a local estimate, never fails the caller")
	assert.Greater(t, est.Fare, 0.0)
	assert.Greater(t, est.DistanceKM, 0.0)
}

func TestSubmitRatingQueuesOffline(t *testing.T) {
	var calls atomic.Int32
	api := &fakeAPI{
		submitRating: func(context.Context, rest.Rating) error {
			if calls.Add(1) == 1 {
				return faults.Newf(faults.KindTransientNetwork, "offline")
			}
			return nil
		},
	}
	s, store := newTestService(t, api)

	require.NoError(t, s.SubmitRating(context.Background(), "ride-1", 5, "great ride"),
		"transient failure reports accepted-locally")

	entries, err := store.ListByPrefix(cache.PrefixPendingRating)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	s.ResyncPendingRatings(context.Background())
	entries, err = store.ListByPrefix(cache.PrefixPendingRating)
	require.NoError(t, err)
	assert.Empty(t, entries, "successful redelivery clears the queue")
	assert.Equal(t, int32(2), calls.Load())
}

func contractsRideAccepted(rideID, driverID string) contracts.RideAccepted {
	return contracts.RideAccepted{
		RideID:    rideID,
		Driver:    &contracts.CounterpartBrief{ID: driverID, Name: "Dana", Rating: 4.9},
		Timestamp: time.Now(),
	}
}

func TestSubmitRatingValidation(t *testing.T) {
	s, _ := newTestService(t, nil)
	err := s.SubmitRating(context.Background(), "ride-1", 0, "")
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}
