package store

import (
	"context"
	"sync"
	"time"

	"geotrack/internal/device"
)

// MemoryStore keeps device records in a map, listed in insertion order.
// All state is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
	order   []string // insertion order of device ids
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*device.Device)}
}

// Upsert creates or patches the record for id.
func (s *MemoryStore) Upsert(_ context.Context, id string, patch Patch) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		d = &device.Device{ID: id}
		s.devices[id] = d
		s.order = append(s.order, id)
	}
	apply(d, patch, time.Now().UTC())
	return *d, nil
}

// Get returns a snapshot of the record for id.
func (s *MemoryStore) Get(_ context.Context, id string) (device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return device.Device{}, ErrNotFound
	}
	return *d, nil
}

// List returns snapshots of all records in insertion order.
func (s *MemoryStore) List(_ context.Context) ([]device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]device.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.devices[id])
	}
	return out, nil
}

// ClearConnection drops the connection association for id, keeping the
// record and its last-known location. Unknown ids are a no-op.
func (s *MemoryStore) ClearConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[id]; ok {
		d.ConnectionID = ""
	}
	return nil
}

// Close implements Store. There is nothing to release.
func (s *MemoryStore) Close() error { return nil }
