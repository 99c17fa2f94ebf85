// Package postgres keeps tracker resume points in a shared Postgres table so
// several hosts can run trackers against one context store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/tracker"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracker_context (
	tracker_id  TEXT PRIMARY KEY,
	start_block BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store provides Postgres persistence for resume points.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and ensures the tracker_context table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveResumePoint upserts the resume point for a tracker.
func (s *Store) SaveResumePoint(ctx context.Context, trackerID string, rp tracker.ResumePoint) error {
	if trackerID == "" {
		return errors.New("trackerID required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracker_context (tracker_id, start_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tracker_id)
		DO UPDATE SET start_block = EXCLUDED.start_block, updated_at = now()
	`, trackerID, int64(rp.StartBlock))
	if err != nil {
		return fmt.Errorf("save resume point: %w", err)
	}
	return nil
}

// LoadResumePoint retrieves the resume point for a tracker.
func (s *Store) LoadResumePoint(ctx context.Context, trackerID string) (tracker.ResumePoint, bool, error) {
	var start int64
	err := s.pool.QueryRow(ctx, `SELECT start_block FROM tracker_context WHERE tracker_id = $1`, trackerID).Scan(&start)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.ResumePoint{}, false, nil
	}
	if err != nil {
		return tracker.ResumePoint{}, false, fmt.Errorf("load resume point: %w", err)
	}
	return tracker.ResumePoint{StartBlock: uint64(start)}, true, nil
}

// ListResumePoints returns every resume point ordered by tracker id.
func (s *Store) ListResumePoints(ctx context.Context) ([]storage.ResumeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT tracker_id, start_block, updated_at FROM tracker_context ORDER BY tracker_id`)
	if err != nil {
		return nil, fmt.Errorf("list resume points: %w", err)
	}
	defer rows.Close()

	var out []storage.ResumeRecord
	for rows.Next() {
		var r storage.ResumeRecord
		var start int64
		if err := rows.Scan(&r.TrackerID, &start, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.StartBlock = uint64(start)
		out = append(out, r)
	}
	return out, rows.Err()
}
