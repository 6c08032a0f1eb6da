package emergency

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

type fakeLocation struct {
	loc ride.Location
	err error
}

func (f *fakeLocation) CurrentLocation(context.Context) (ride.Location, error) {
	return f.loc, f.err
}

type fakeCadence struct {
	mu      sync.Mutex
	history []bool
}

func (f *fakeCadence) SetEmergencyCadence(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, on)
}

func (f *fakeCadence) last() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return false, false
	}
	return f.history[len(f.history)-1], true
}

type fakeSOSAPI struct {
	rest.Client // panics on anything not overridden

	triggerErr  error
	triggers    atomic.Int32
	gate        chan struct{} // when set, TriggerSOS blocks until closed
	contacts    []rest.EmergencyContact
	contactsErr error
}

func (f *fakeSOSAPI) TriggerSOS(_ context.Context, rideID string, _ ride.Location) (rest.SOSResult, error) {
	f.triggers.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.triggerErr != nil {
		return rest.SOSResult{}, f.triggerErr
	}
	return rest.SOSResult{IncidentNumber: "INC-001", RegisteredAt: time.Now().UTC()}, nil
}

func (f *fakeSOSAPI) GetEmergencyContacts(context.Context) ([]rest.EmergencyContact, error) {
	if f.contactsErr != nil {
		return nil, f.contactsErr
	}
	return f.contacts, nil
}

func newTestController(t *testing.T, api *fakeSOSAPI, loc *fakeLocation) (*Controller, *fakeCadence, cache.Store) {
	t.Helper()
	store, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if api == nil {
		api = &fakeSOSAPI{}
	}
	if loc == nil {
		loc = &fakeLocation{loc: ride.Location{Lat: 43.23, Lng: 76.88}}
	}
	cadence := &fakeCadence{}
	activeRide := func() string { return "ride-1" }
	return New(store, api, loc, cadence, activeRide, logger.New("emergency-test")), cadence, store
}

func TestTriggerSOSActivatesAndTightensCadence(t *testing.T) {
	c, cadence, store := newTestController(t, nil, nil)

	sess, err := c.TriggerSOS(context.Background(), "ride-1")
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, "INC-001", sess.IncidentNumber)

	on, ok := cadence.last()
	require.True(t, ok)
	assert.True(t, on)

	raw, err := store.Get(cache.SOSKey("ride-1"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "INC-001")
}

func TestTriggerSOSFailsWithoutLocation(t *testing.T) {
	api := &fakeSOSAPI{}
	c, cadence, _ := newTestController(t, api, &fakeLocation{err: context.DeadlineExceeded})

	_, err := c.TriggerSOS(context.Background(), "ride-1")
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err), "no alert goes out without a position")
	assert.Equal(t, int32(0), api.triggers.Load())
	_, ok := cadence.last()
	assert.False(t, ok, "cadence untouched when the trigger aborts")
}

func TestTriggerSOSRequiresServerConfirmation(t *testing.T) {
	api := &fakeSOSAPI{triggerErr: faults.Newf(faults.KindTransientNetwork, "offline")}
	c, cadence, _ := newTestController(t, api, nil)

	_, err := c.TriggerSOS(context.Background(), "ride-1")
	require.Error(t, err)
	assert.Nil(t, c.ActiveSession("ride-1"))
	_, ok := cadence.last()
	assert.False(t, ok)
}

func TestTriggerSOSRefusedForInactiveRide(t *testing.T) {
	api := &fakeSOSAPI{}
	c, cadence, _ := newTestController(t, api, nil)

	_, err := c.TriggerSOS(context.Background(), "ride-unknown")
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	assert.Equal(t, int32(0), api.triggers.Load(), "no alert for a ride this session does not hold")
	_, ok := cadence.last()
	assert.False(t, ok)
}

func TestTriggerSOSDiscardsResultAfterRideEnds(t *testing.T) {
	api := &fakeSOSAPI{gate: make(chan struct{})}

	var active atomic.Value
	active.Store("ride-1")

	store, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cadence := &fakeCadence{}
	c := New(store, api, &fakeLocation{loc: ride.Location{Lat: 43.23, Lng: 76.88}}, cadence,
		func() string { return active.Load().(string) }, logger.New("emergency-test"))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.TriggerSOS(context.Background(), "ride-1")
		errCh <- err
	}()

	// wait for the trigger to park inside the request, then end the ride
	deadline := time.Now().Add(2 * time.Second)
	for api.triggers.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, int32(1), api.triggers.Load())
	active.Store("")
	close(api.gate)

	require.Error(t, <-errCh, "a result delayed past the ride's end is discarded")
	assert.Nil(t, c.ActiveSession("ride-1"))
	_, ok := cadence.last()
	assert.False(t, ok, "cadence untouched by the stale result")

	_, sErr := store.Get(cache.SOSKey("ride-1"))
	assert.ErrorIs(t, sErr, cache.ErrNotFound)
}

func TestTriggerSOSIdempotentPerRide(t *testing.T) {
	api := &fakeSOSAPI{}
	c, _, _ := newTestController(t, api, nil)
	ctx := context.Background()

	first, err := c.TriggerSOS(ctx, "ride-1")
	require.NoError(t, err)
	second, err := c.TriggerSOS(ctx, "ride-1")
	require.NoError(t, err)

	assert.Equal(t, first.TriggeredAt, second.TriggeredAt)
	assert.Equal(t, int32(1), api.triggers.Load(), "second trigger must not re-register")
}

func TestDeactivateSOSIsUnconditional(t *testing.T) {
	c, cadence, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	// no active session, still restores normal cadence
	c.DeactivateSOS(ctx, "ride-9")
	on, ok := cadence.last()
	require.True(t, ok)
	assert.False(t, on)

	_, err := c.TriggerSOS(ctx, "ride-1")
	require.NoError(t, err)
	c.DeactivateSOS(ctx, "ride-1")
	assert.Nil(t, c.ActiveSession("ride-1"))
	on, _ = cadence.last()
	assert.False(t, on)
}

func TestLoadRestoresActiveSession(t *testing.T) {
	c, _, store := newTestController(t, nil, nil)
	_, err := c.TriggerSOS(context.Background(), "ride-1")
	require.NoError(t, err)

	cadence2 := &fakeCadence{}
	c2 := New(store, &fakeSOSAPI{}, &fakeLocation{}, cadence2, func() string { return "ride-1" }, logger.New("emergency-test"))
	require.NoError(t, c2.Load(context.Background()))

	sess := c2.ActiveSession("ride-1")
	require.NotNil(t, sess)
	assert.Equal(t, "INC-001", sess.IncidentNumber)
	on, ok := cadence2.last()
	require.True(t, ok)
	assert.True(t, on, "a restored active SOS re-engages the emergency cadence")
}

func TestApplySOSAckBackfillsIncidentNumber(t *testing.T) {
	c, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	_, err := c.TriggerSOS(ctx, "ride-1")
	require.NoError(t, err)

	// an ack for a different incident never overwrites
	c.ApplySOSAck(ctx, contracts.SOSAck{RideID: "ride-1", IncidentNumber: "INC-999"})
	sess := c.ActiveSession("ride-1")
	require.NotNil(t, sess)
	assert.Equal(t, "INC-001", sess.IncidentNumber)
}

func TestEmergencyContactsFallBackToCache(t *testing.T) {
	api := &fakeSOSAPI{contacts: []rest.EmergencyContact{{ID: "c-1", Name: "Aruzhan", Phone: "+7700"}}}
	c, _, _ := newTestController(t, api, nil)
	ctx := context.Background()

	contacts, err := c.EmergencyContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)

	api.contactsErr = faults.Newf(faults.KindTransientNetwork, "offline")
	contacts, err = c.EmergencyContacts(ctx)
	require.NoError(t, err, "transient failure serves the cached list")
	require.Len(t, contacts, 1)
	assert.Equal(t, "Aruzhan", contacts[0].Name)
}

func TestEmergencyContactsWithoutCachePropagates(t *testing.T) {
	api := &fakeSOSAPI{contactsErr: faults.Newf(faults.KindTransientNetwork, "offline")}
	c, _, _ := newTestController(t, api, nil)

	_, err := c.EmergencyContacts(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}
