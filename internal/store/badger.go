package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"geotrack/internal/device"
	"geotrack/internal/logging"
)

const deviceKeyPrefix = "device:"

// BadgerStore persists device records in BadgerDB, one JSON value per
// device id. Records survive restarts; List orders by last update,
// newest first.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty; failures surface as errors
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", path, err)
	}
	logging.Info().Str("path", path).Msg("device store opened")
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open badger database. Used by tests
// with an in-memory database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func deviceKey(id string) []byte {
	return []byte(deviceKeyPrefix + id)
}

// Upsert reads, patches, and rewrites the record for id inside one
// badger transaction.
func (s *BadgerStore) Upsert(ctx context.Context, id string, patch Patch) (device.Device, error) {
	if err := ctx.Err(); err != nil {
		return device.Device{}, err
	}

	var d device.Device
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			d = device.Device{ID: id}
		case err != nil:
			return fmt.Errorf("get device: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode device: %w", err)
			}
		}

		apply(&d, patch, time.Now().UTC())

		data, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("encode device: %w", err)
		}
		return txn.Set(deviceKey(id), data)
	})
	if err != nil {
		return device.Device{}, err
	}
	return d, nil
}

// Get returns the record for id or ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, id string) (device.Device, error) {
	if err := ctx.Err(); err != nil {
		return device.Device{}, err
	}

	var d device.Device
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	if err != nil {
		return device.Device{}, err
	}
	return d, nil
}

// List returns all records ordered most-recently-updated first. The
// device count is small by design, so sorting the full scan is fine.
func (s *BadgerStore) List(ctx context.Context) ([]device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []device.Device
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(deviceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d device.Device
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode device: %w", err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// ClearConnection drops the connection association for id, keeping the
// record. Unknown ids are a no-op.
func (s *BadgerStore) ClearConnection(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}

		var d device.Device
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		}); err != nil {
			return fmt.Errorf("decode device: %w", err)
		}

		d.ConnectionID = ""
		data, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("encode device: %w", err)
		}
		return txn.Set(deviceKey(id), data)
	})
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
