// Package pebblestore keeps resume points in an embedded Pebble database.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/tracker"
)

var (
	prefix      = []byte("resume/")
	prefixLimit = []byte("resume0")

	ErrClosed   = errors.New("pebble store closed")
	ErrReadOnly = errors.New("pebble store is read-only")
)

type record struct {
	StartBlock uint64 `json:"startBlock"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Store implements the context store on Pebble. Writes are synced.
//
// Pebble locks its directory, so only one process can hold a Store on a path
// at a time, read-only or not.
type Store struct {
	db       *pebble.DB
	readOnly bool
	closed   atomic.Bool
	now      func() int64
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing database for inspection. Saves fail with
// ErrReadOnly.
func OpenReadOnly(path string) (*Store, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	if path == "" {
		return nil, errors.New("pebble path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db, readOnly: readOnly, now: unixNow}, nil
}

func key(trackerID string) []byte {
	return append(append([]byte{}, prefix...), trackerID...)
}

func (s *Store) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// SaveResumePoint writes the resume point and syncs it to disk.
func (s *Store) SaveResumePoint(_ context.Context, trackerID string, rp tracker.ResumePoint) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if trackerID == "" {
		return errors.New("trackerID required")
	}
	value, err := json.Marshal(record{StartBlock: rp.StartBlock, UpdatedAt: s.now()})
	if err != nil {
		return err
	}
	if err := s.db.Set(key(trackerID), value, pebble.Sync); err != nil {
		return fmt.Errorf("save resume point: %w", err)
	}
	return nil
}

// LoadResumePoint reads the resume point for a tracker.
func (s *Store) LoadResumePoint(_ context.Context, trackerID string) (tracker.ResumePoint, bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return tracker.ResumePoint{}, false, err
	}
	value, closer, err := s.db.Get(key(trackerID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return tracker.ResumePoint{}, false, nil
		}
		return tracker.ResumePoint{}, false, fmt.Errorf("load resume point: %w", err)
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return tracker.ResumePoint{}, false, fmt.Errorf("decode resume point: %w", err)
	}
	return tracker.ResumePoint{StartBlock: rec.StartBlock}, true, nil
}

// ListResumePoints scans the resume/ key range.
func (s *Store) ListResumePoints(_ context.Context) ([]storage.ResumeRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []storage.ResumeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode resume point: %w", err)
		}
		out = append(out, storage.ResumeRecord{
			TrackerID:  string(iter.Key()[len(prefix):]),
			StartBlock: rec.StartBlock,
			UpdatedAt:  fromUnix(rec.UpdatedAt),
		})
	}
	return out, iter.Error()
}

func (s *Store) Ping(context.Context) error {
	return s.ensureNotClosed()
}

// Close closes the database; repeated calls are no-ops.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
