// Package emergency escalates a ride into an SOS incident and manages the
// tightened location cadence for its duration.
package emergency

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ridesync/internal/cache"
	"ridesync/internal/contextx"
	"ridesync/internal/contracts"
	"ridesync/internal/domain/ride"
	"ridesync/internal/domain/sos"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
	"ridesync/internal/rest"
)

// LocationProvider reads the device position. Triggering an SOS is gated on
// it: an alert without a position is useless to responders, so a provider
// failure fails the trigger fast instead of sending a blind alert.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (ride.Location, error)
}

// LocationFunc adapts a plain function to LocationProvider.
type LocationFunc func(ctx context.Context) (ride.Location, error)

func (f LocationFunc) CurrentLocation(ctx context.Context) (ride.Location, error) {
	return f(ctx)
}

// CadenceSwitcher flips the location reporting interval between normal and
// emergency cadence.
type CadenceSwitcher interface {
	SetEmergencyCadence(on bool)
}

// Controller owns SOS sessions, at most one active per ride.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*sos.Session

	store    cache.Store
	api      rest.Client
	location LocationProvider
	cadence  CadenceSwitcher

	// activeRide reports the current ride so a trigger response delayed
	// past the ride's end is discarded instead of applied.
	activeRide func() string

	log *slog.Logger
}

func New(store cache.Store, api rest.Client, location LocationProvider, cadence CadenceSwitcher, activeRide func() string, log *slog.Logger) *Controller {
	return &Controller{
		sessions:   make(map[string]*sos.Session),
		store:      store,
		api:        api,
		location:   location,
		cadence:    cadence,
		activeRide: activeRide,
		log:        log,
	}
}

// Load restores cached sessions at startup. An active restored session
// re-engages the emergency cadence immediately.
func (c *Controller) Load(ctx context.Context) error {
	entries, err := c.store.ListByPrefix(cache.PrefixSOS)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		var sess sos.Session
		if uErr := json.Unmarshal(entry.Value, &sess); uErr != nil {
			continue
		}
		s := sess
		c.sessions[s.RideID] = &s
		if s.Active {
			c.cadence.SetEmergencyCadence(true)
			logger.Info(contextx.WithRideID(ctx, s.RideID), c.log, "sos_restored", "Active SOS session restored from cache")
		}
	}
	return nil
}

// TriggerSOS raises an alert for the ride. Only the active ride can be
// escalated, and the check repeats after the backend confirms: a ride that
// ended mid-flight never gets an active session. The current location is
// read first and its failure aborts the trigger. Triggering an already-active
// session returns it unchanged.
func (c *Controller) TriggerSOS(ctx context.Context, rideID string) (*sos.Session, error) {
	if strings.TrimSpace(rideID) == "" {
		return nil, faults.New(faults.KindValidationFailure, sos.ErrRideIDRequired)
	}
	ctx = contextx.WithRideID(ctx, rideID)

	if c.activeRide() != rideID {
		return nil, faults.Newf(faults.KindValidationFailure, "ride %s is not the active ride", rideID)
	}

	c.mu.Lock()
	if existing := c.sessions[rideID]; existing != nil && existing.Active {
		out := *existing
		c.mu.Unlock()
		return &out, nil
	}
	c.mu.Unlock()

	loc, err := c.location.CurrentLocation(ctx)
	if err != nil {
		return nil, faults.Newf(faults.KindValidationFailure, "current location unavailable: %v", err)
	}

	res, err := c.api.TriggerSOS(ctx, rideID, loc)
	if err != nil {
		return nil, err
	}

	// the ride may have ended while the trigger was in flight; a delayed
	// result for a ride that is no longer active is discarded, never applied
	if c.activeRide() != rideID {
		logger.Info(ctx, c.log, "sos_result_discarded", "Ride ended during SOS registration, result discarded")
		return nil, faults.Newf(faults.KindValidationFailure, "ride %s ended during SOS registration", rideID)
	}

	sess, err := sos.NewSession(rideID, res.RegisteredAt)
	if err != nil {
		return nil, faults.New(faults.KindValidationFailure, err)
	}
	sess.IncidentNumber = res.IncidentNumber

	c.mu.Lock()
	c.sessions[rideID] = sess
	c.persistLocked(ctx, sess)
	out := *sess
	c.mu.Unlock()

	c.cadence.SetEmergencyCadence(true)
	observability.SOSTriggeredTotal.Inc()
	logger.Info(ctx, c.log, "sos_triggered", "SOS registered, incident "+sess.IncidentNumber)
	return &out, nil
}

// DeactivateSOS ends the local session. Runs unconditionally: the cadence is
// restored and the session closed even if no active session is found, so a
// stuck emergency cadence can always be cleared.
func (c *Controller) DeactivateSOS(ctx context.Context, rideID string) {
	ctx = contextx.WithRideID(ctx, rideID)

	c.mu.Lock()
	if sess := c.sessions[rideID]; sess != nil && sess.Active {
		sess.Deactivate(time.Now().UTC())
		c.persistLocked(ctx, sess)
	}
	c.mu.Unlock()

	c.cadence.SetEmergencyCadence(false)
	logger.Info(ctx, c.log, "sos_deactivated", "SOS session ended, normal cadence restored")
}

// ActiveSession returns a copy of the ride's active session, or nil.
func (c *Controller) ActiveSession(rideID string) *sos.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[rideID]
	if sess == nil || !sess.Active {
		return nil
	}
	out := *sess
	return &out
}

// ApplySOSAck fills in the incident number when the backend confirms over
// the push channel after the REST response raced or lacked it.
func (c *Controller) ApplySOSAck(ctx context.Context, ev contracts.SOSAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[ev.RideID]
	if sess == nil || !sess.Active {
		return
	}
	if ev.IncidentNumber != "" && sess.IncidentNumber == "" {
		sess.IncidentNumber = ev.IncidentNumber
		c.persistLocked(contextx.WithRideID(ctx, ev.RideID), sess)
	}
}

// EmergencyContacts lists the configured contacts. Transient failures fall
// back to the cached list so the contacts stay visible offline.
func (c *Controller) EmergencyContacts(ctx context.Context) ([]rest.EmergencyContact, error) {
	contacts, err := c.api.GetEmergencyContacts(ctx)
	if err == nil {
		if raw, mErr := json.Marshal(contacts); mErr == nil {
			_ = c.store.Put(cache.KeyEmergencyContacts, raw)
		}
		return contacts, nil
	}
	if !faults.IsTransient(err) {
		return nil, err
	}

	raw, cErr := c.store.Get(cache.KeyEmergencyContacts)
	if cErr != nil {
		return nil, err
	}
	var cached []rest.EmergencyContact
	if uErr := json.Unmarshal(raw, &cached); uErr != nil {
		return nil, err
	}
	logger.Info(ctx, c.log, "contacts_offline", "Serving cached emergency contacts")
	return cached, nil
}

// AddEmergencyContact registers a contact and refreshes the cached list.
func (c *Controller) AddEmergencyContact(ctx context.Context, contact rest.EmergencyContact) (rest.EmergencyContact, error) {
	if strings.TrimSpace(contact.Name) == "" || strings.TrimSpace(contact.Phone) == "" {
		return rest.EmergencyContact{}, faults.Newf(faults.KindValidationFailure, "contact name and phone are required")
	}

	added, err := c.api.AddEmergencyContact(ctx, contact)
	if err != nil {
		return rest.EmergencyContact{}, err
	}
	c.refreshContactCache(ctx)
	return added, nil
}

// RemoveEmergencyContact deletes a contact and refreshes the cached list.
func (c *Controller) RemoveEmergencyContact(ctx context.Context, contactID string) error {
	if err := c.api.RemoveEmergencyContact(ctx, contactID); err != nil {
		return err
	}
	c.refreshContactCache(ctx)
	return nil
}

func (c *Controller) refreshContactCache(ctx context.Context) {
	contacts, err := c.api.GetEmergencyContacts(ctx)
	if err != nil {
		return
	}
	if raw, mErr := json.Marshal(contacts); mErr == nil {
		_ = c.store.Put(cache.KeyEmergencyContacts, raw)
	}
}

// persistLocked writes the session to the cache. Callers hold c.mu.
func (c *Controller) persistLocked(ctx context.Context, sess *sos.Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		logger.Error(ctx, c.log, "sos_persist_failed", "Failed to encode SOS session", err)
		return
	}
	if err := c.store.Put(cache.SOSKey(sess.RideID), raw); err != nil {
		logger.Error(ctx, c.log, "sos_persist_failed", "Failed to cache SOS session", err)
	}
}
