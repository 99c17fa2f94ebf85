package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/devblac/event-tracker/internal/tracker"
)

// Requires a reachable database; set EVENT_TRACKER_PG_DSN to run.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EVENT_TRACKER_PG_DSN")
	if dsn == "" {
		t.Skip("EVENT_TRACKER_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStoreRequiresDSN(t *testing.T) {
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestResumePointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = store.pool.Exec(context.Background(), `DELETE FROM tracker_context WHERE tracker_id = $1`, id)
	})

	if _, ok, err := store.LoadResumePoint(ctx, id); err != nil || ok {
		t.Fatalf("expected missing resume point, ok=%v err=%v", ok, err)
	}
	if err := store.SaveResumePoint(ctx, id, tracker.ResumePoint{StartBlock: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveResumePoint(ctx, id, tracker.ResumePoint{StartBlock: 9}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rp, ok, err := store.LoadResumePoint(ctx, id)
	if err != nil || !ok || rp.StartBlock != 9 {
		t.Fatalf("unexpected resume point %+v ok=%v err=%v", rp, ok, err)
	}

	recs, err := store.ListResumePoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, r := range recs {
		if r.TrackerID == id && r.StartBlock == 9 {
			found = true
		}
	}
	if !found {
		t.Fatalf("tracker %s missing from list", id)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
