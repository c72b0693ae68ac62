package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/device"
	"geotrack/internal/logging"
	"geotrack/internal/store"
)

// Broadcaster is the fan-out surface the Tracker drives. Satisfied by
// *Hub; tests substitute a recording implementation.
type Broadcaster interface {
	BroadcastDeviceList([]device.Device)
	BroadcastLocationUpdate(device.LocationUpdate)
	BroadcastDeviceDisconnected(deviceID string)
}

// Tracker owns the lifecycle of every connection's interaction with the
// device state: registration, location relay, and disconnect cleanup.
//
// All entry points serialize on one mutex held across the registry
// mutation and the store write. Events therefore run to completion in
// arrival order, a registration can never interleave with an in-flight
// location commit, and an update from a superseded connection can never
// reach the store: its registry lookup fails under the same lock that
// the superseding registration held.
//
// No reply ever goes back to the originating connection. Success is
// observable only through the subsequent broadcast; failures are logged
// server-side and the event is simply not applied.
type Tracker struct {
	mu       sync.Mutex
	registry *device.Registry
	store    store.Store
	hub      Broadcaster
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewTracker wires the session handler to its collaborators. The
// timeout bounds every store operation; expiry counts as a storage
// failure.
func NewTracker(registry *device.Registry, st store.Store, hub Broadcaster, timeout time.Duration) *Tracker {
	return &Tracker{
		registry: registry,
		store:    st,
		hub:      hub,
		timeout:  timeout,
		now:      time.Now,
		log:      logging.With().Str("component", "tracker").Logger(),
	}
}

// Register creates or updates the device record for the payload's id,
// binds connID as its live connection (superseding any previous
// connection for that id), and broadcasts the full device list. A
// storage failure means the registration does not take effect and
// nothing is broadcast.
func (t *Tracker) Register(ctx context.Context, connID string, p RegisterPayload) error {
	if err := validatePayload(&p); err != nil {
		return err
	}

	name := p.Name
	if name == "" {
		name = device.DefaultName(p.DeviceID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.store.Upsert(sctx, p.DeviceID, store.Patch{
		Name:         &name,
		ConnectionID: &connID,
	})
	if err != nil {
		t.log.Error().Err(err).Str("device_id", p.DeviceID).Msg("registration not applied, store upsert failed")
		return err
	}

	if evicted := t.registry.Bind(connID, p.DeviceID); evicted != "" {
		t.log.Info().
			Str("device_id", p.DeviceID).
			Str("connection_id", connID).
			Str("superseded_connection_id", evicted).
			Msg("device re-registered, previous connection superseded")
	} else {
		t.log.Info().Str("device_id", p.DeviceID).Str("connection_id", connID).Msg("device registered")
	}

	t.broadcastList(sctx)
	return nil
}

// UpdateLocation stamps and records a location report from connID, then
// broadcasts the point event and a refreshed device list. Reports from
// connections with no live binding, including superseded ones, are
// dropped without error.
func (t *Tracker) UpdateLocation(ctx context.Context, connID string, p LocationPayload) error {
	if err := validatePayload(&p); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Resolving under the event lock is the stale-write guard: once a
	// newer registration has taken the device id, this lookup fails and
	// the report never reaches the store.
	deviceID, ok := t.registry.DeviceFor(connID)
	if !ok {
		t.log.Debug().Str("connection_id", connID).Msg("dropping location from unbound connection")
		return nil
	}

	update := device.LocationUpdate{
		DeviceID:  deviceID,
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Timestamp: t.now().UTC(),
	}

	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.store.Upsert(sctx, deviceID, store.Patch{
		Location: &device.Location{
			Latitude:  update.Latitude,
			Longitude: update.Longitude,
			Timestamp: update.Timestamp,
		},
	})
	if err != nil {
		t.log.Error().Err(err).Str("device_id", deviceID).Msg("location not applied, store upsert failed")
		return err
	}

	t.hub.BroadcastLocationUpdate(update)
	t.broadcastList(sctx)
	return nil
}

// Disconnect clears the connection association for connID, if any,
// then broadcasts a refreshed device list and a disconnect notice. The
// device record itself is kept so the last-known location stays visible
// for offline devices. A connection that never registered, or was
// superseded, is a no-op.
func (t *Tracker) Disconnect(ctx context.Context, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deviceID, ok := t.registry.Unbind(connID)
	if !ok {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.store.ClearConnection(sctx, deviceID); err != nil {
		t.log.Error().Err(err).Str("device_id", deviceID).Msg("store clear failed on disconnect")
		return
	}

	t.log.Info().Str("device_id", deviceID).Str("connection_id", connID).Msg("device went offline")

	t.broadcastList(sctx)
	t.hub.BroadcastDeviceDisconnected(deviceID)
}

// broadcastList emits the current device list. Callers hold t.mu. A
// listing failure leaves the previous snapshot visible to observers
// rather than broadcasting a partial one.
func (t *Tracker) broadcastList(ctx context.Context) {
	devices, err := t.store.List(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("device list broadcast skipped, store list failed")
		return
	}
	t.hub.BroadcastDeviceList(devices)
}
