// Package store holds canonical device records behind a small interface
// with two implementations: an in-memory map and a durable BadgerDB
// store. The badger variant is the source of truth for REST reads and
// survives process restarts; the memory variant is rebuilt from scratch.
package store

import (
	"context"
	"errors"
	"time"

	"geotrack/internal/device"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("device not found")

// Patch describes a partial update applied by Upsert. Nil fields are
// left untouched on an existing record.
type Patch struct {
	Name         *string
	ConnectionID *string
	Location     *device.Location
}

// Store is the canonical device record store.
//
// Upsert creates the record if absent and applies the patch; it never
// drops an existing LastLocation unless the patch carries one. List
// returns snapshots ordered by the backend's natural order: insertion
// order for the memory variant, most-recently-updated-first for the
// durable variant. Failures must be handled at the call site; they mean
// the triggering event was not applied.
type Store interface {
	Upsert(ctx context.Context, id string, patch Patch) (device.Device, error)
	Get(ctx context.Context, id string) (device.Device, error)
	List(ctx context.Context) ([]device.Device, error)
	ClearConnection(ctx context.Context, id string) error
	Close() error
}

// apply folds a patch into a device record. Every upsert counts as an
// update for ordering purposes; a location patch uses the location's own
// timestamp so the record and the broadcast event agree.
func apply(d *device.Device, patch Patch, now time.Time) {
	d.UpdatedAt = now
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.ConnectionID != nil {
		d.ConnectionID = *patch.ConnectionID
	}
	if patch.Location != nil {
		loc := *patch.Location
		d.LastLocation = &loc
		d.UpdatedAt = loc.Timestamp
	}
	if d.Name == "" {
		d.Name = device.DefaultName(d.ID)
	}
}
