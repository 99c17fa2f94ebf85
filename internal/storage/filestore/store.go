// Package filestore keeps one resume point per tracker as a small JSON file,
// named <id>_eventTracker.cxt, under a directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/tracker"
)

const suffix = "_eventTracker.cxt"

// Store persists resume points to disk.
type Store struct {
	dir     string
	syncDir func(dir string) error
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("context directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	return &Store{dir: dir, syncDir: syncDir}, nil
}

// syncDir flushes directory entries so a completed rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

func (s *Store) path(trackerID string) (string, error) {
	if trackerID == "" || strings.ContainsAny(trackerID, `/\`) || trackerID == "." || trackerID == ".." {
		return "", fmt.Errorf("invalid tracker id %q", trackerID)
	}
	return filepath.Join(s.dir, trackerID+suffix), nil
}

// LoadResumePoint reads the context file; a missing file means no resume point.
func (s *Store) LoadResumePoint(_ context.Context, trackerID string) (tracker.ResumePoint, bool, error) {
	p, err := s.path(trackerID)
	if err != nil {
		return tracker.ResumePoint{}, false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return tracker.ResumePoint{}, false, nil
		}
		return tracker.ResumePoint{}, false, fmt.Errorf("read context: %w", err)
	}
	var rp tracker.ResumePoint
	if err := json.Unmarshal(data, &rp); err != nil {
		return tracker.ResumePoint{}, false, fmt.Errorf("parse context %s: %w", p, err)
	}
	return rp, true, nil
}

// SaveResumePoint writes through a synced temp file, renames it into place and
// syncs the directory, so readers see either the old or the new resume point.
func (s *Store) SaveResumePoint(_ context.Context, trackerID string, rp tracker.ResumePoint) error {
	p, err := s.path(trackerID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, trackerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create context tmp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write context tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync context tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close context tmp: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("rename context: %w", err)
	}
	if err := s.syncDir(s.dir); err != nil {
		return fmt.Errorf("sync context dir: %w", err)
	}
	return nil
}

// ListResumePoints returns every context file in the directory ordered by id.
func (s *Store) ListResumePoints(ctx context.Context) ([]storage.ResumeRecord, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	out := make([]storage.ResumeRecord, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), suffix)
		rp, ok, err := s.LoadResumePoint(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec := storage.ResumeRecord{TrackerID: id, StartBlock: rp.StartBlock}
		if info, err := os.Stat(m); err == nil {
			rec.UpdatedAt = info.ModTime().UTC()
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping verifies the directory is still there.
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *Store) Close() error { return nil }
