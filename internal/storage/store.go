package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/event-tracker/internal/tracker"
	_ "modernc.org/sqlite"
)

// ResumeRecord is a persisted resume point with its tracker id.
type ResumeRecord struct {
	TrackerID  string    `json:"tracker_id"`
	StartBlock uint64    `json:"start_block"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store wraps SQLite-backed persistence for resume points, deliveries, and dedupe.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// synchronous=FULL so a resume point is on disk when SaveResumePoint returns.
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS resume_points (
  tracker_id   TEXT PRIMARY KEY,
  start_block  INTEGER NOT NULL,
  updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
  tracker_id    TEXT NOT NULL,
  subscription  TEXT NOT NULL,
  block_number  INTEGER NOT NULL,
  tx_index      INTEGER NOT NULL,
  log_index     INTEGER NOT NULL,
  tx_hash       TEXT NOT NULL,
  attempts      INTEGER NOT NULL DEFAULT 1,
  delivered_at  TIMESTAMP NOT NULL,
  PRIMARY KEY(tracker_id, subscription, block_number, log_index)
);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveResumePoint upserts the resume point for a tracker.
func (s *Store) SaveResumePoint(ctx context.Context, trackerID string, rp tracker.ResumePoint) error {
	if trackerID == "" {
		return errors.New("trackerID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resume_points (tracker_id, start_block, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(tracker_id) DO UPDATE SET
  start_block=excluded.start_block,
  updated_at=excluded.updated_at;
`, trackerID, int64(rp.StartBlock), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save resume point: %w", err)
	}
	return nil
}

// LoadResumePoint retrieves the resume point for a tracker.
func (s *Store) LoadResumePoint(ctx context.Context, trackerID string) (tracker.ResumePoint, bool, error) {
	var start int64
	row := s.db.QueryRowContext(ctx, `
SELECT start_block FROM resume_points WHERE tracker_id = ?;
`, trackerID)
	switch err := row.Scan(&start); err {
	case nil:
		return tracker.ResumePoint{StartBlock: uint64(start)}, true, nil
	case sql.ErrNoRows:
		return tracker.ResumePoint{}, false, nil
	default:
		return tracker.ResumePoint{}, false, fmt.Errorf("load resume point: %w", err)
	}
}

// ListResumePoints returns every persisted resume point ordered by tracker id.
func (s *Store) ListResumePoints(ctx context.Context) ([]ResumeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tracker_id, start_block, updated_at FROM resume_points ORDER BY tracker_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list resume points: %w", err)
	}
	defer rows.Close()

	var out []ResumeRecord
	for rows.Next() {
		var r ResumeRecord
		var start int64
		if err := rows.Scan(&r.TrackerID, &start, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resume point: %w", err)
		}
		r.StartBlock = uint64(start)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delivery is one acknowledged event in the delivery ledger.
type Delivery struct {
	TrackerID    string    `json:"tracker_id"`
	Subscription string    `json:"subscription"`
	BlockNumber  uint64    `json:"block_number"`
	TxIndex      uint      `json:"tx_index"`
	LogIndex     uint      `json:"log_index"`
	TxHash       string    `json:"tx_hash"`
	Attempts     int       `json:"attempts"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// CompleteDelivery records a delivery and, when dedupeKey is set, marks the key
// until expiresAt, in one transaction. Redelivery of the same log bumps attempts.
func (s *Store) CompleteDelivery(ctx context.Context, d Delivery, dedupeKey string, expiresAt time.Time) error {
	if d.TrackerID == "" || d.Subscription == "" {
		return errors.New("tracker_id and subscription are required")
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = s.now()
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO deliveries (tracker_id, subscription, block_number, tx_index, log_index, tx_hash, attempts, delivered_at)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(tracker_id, subscription, block_number, log_index) DO UPDATE SET
  attempts=deliveries.attempts + 1,
  delivered_at=excluded.delivered_at;
`, d.TrackerID, d.Subscription, int64(d.BlockNumber), int64(d.TxIndex), int64(d.LogIndex), d.TxHash, d.DeliveredAt.UTC())
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		if dedupeKey == "" {
			return nil
		}
		return markDedupe(ctx, tx, dedupeKey, expiresAt)
	})
}

// ListDeliveries returns ledger entries in chain order; an empty trackerID
// lists all trackers. limit <= 0 means no limit.
func (s *Store) ListDeliveries(ctx context.Context, trackerID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT tracker_id, subscription, block_number, tx_index, log_index, tx_hash, attempts, delivered_at
FROM deliveries
WHERE (? = '' OR tracker_id = ?)
ORDER BY tracker_id, block_number, tx_index, log_index
LIMIT ?;
`, trackerID, trackerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var block, txIndex, logIndex int64
		if err := rows.Scan(&d.TrackerID, &d.Subscription, &block, &txIndex, &logIndex, &d.TxHash, &d.Attempts, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.BlockNumber = uint64(block)
		d.TxIndex = uint(txIndex)
		d.LogIndex = uint(logIndex)
		out = append(out, d)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MarkDedupe sets or refreshes a dedupe key until expiresAt.
func (s *Store) MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error {
	return markDedupe(ctx, s.db, key, expiresAt)
}

func markDedupe(ctx context.Context, db execer, key string, expiresAt time.Time) error {
	if key == "" {
		return errors.New("key required")
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at;
`, key, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark dedupe: %w", err)
	}
	return nil
}

// IsDuplicate returns true if the key exists and is not expired; expired entries are pruned.
func (s *Store) IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT expires_at FROM dedupe WHERE key = ?;
`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe: %w", err)
	}

	if expires.After(now.UTC()) {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE key = ?;`, key); err != nil {
		return false, fmt.Errorf("prune dedupe: %w", err)
	}
	return false, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
