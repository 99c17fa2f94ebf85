package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/event-tracker/internal/tracker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResumePointSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LoadResumePoint(ctx, "t1"); err != nil || ok {
		t.Fatalf("expected no resume point, ok=%v err=%v", ok, err)
	}

	if err := store.SaveResumePoint(ctx, "t1", tracker.ResumePoint{StartBlock: 10}); err != nil {
		t.Fatalf("save resume point: %v", err)
	}
	rp, ok, err := store.LoadResumePoint(ctx, "t1")
	if err != nil || !ok || rp.StartBlock != 10 {
		t.Fatalf("unexpected resume point: %+v ok=%v err=%v", rp, ok, err)
	}

	if err := store.SaveResumePoint(ctx, "t1", tracker.ResumePoint{StartBlock: 20}); err != nil {
		t.Fatalf("overwrite resume point: %v", err)
	}
	rp, _, _ = store.LoadResumePoint(ctx, "t1")
	if rp.StartBlock != 20 {
		t.Fatalf("resume point not updated: %d", rp.StartBlock)
	}

	if err := store.SaveResumePoint(ctx, "", tracker.ResumePoint{}); err == nil {
		t.Fatalf("expected empty tracker id to fail")
	}
}

func TestResumePointSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SaveResumePoint(ctx, "bridge", tracker.ResumePoint{StartBlock: 4242}); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.Close()

	store, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	rp, ok, err := store.LoadResumePoint(ctx, "bridge")
	if err != nil || !ok || rp.StartBlock != 4242 {
		t.Fatalf("resume point lost: %+v ok=%v err=%v", rp, ok, err)
	}
}

func TestListResumePoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for id, block := range map[string]uint64{"b": 2, "a": 1} {
		if err := store.SaveResumePoint(ctx, id, tracker.ResumePoint{StartBlock: block}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	recs, err := store.ListResumePoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].TrackerID != "a" || recs[1].StartBlock != 2 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].UpdatedAt.IsZero() {
		t.Fatalf("updated_at not populated")
	}
}

func TestDedupeTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.MarkDedupe(ctx, "k1", now.Add(1*time.Second)); err != nil {
		t.Fatalf("mark dedupe: %v", err)
	}
	dup, err := store.IsDuplicate(ctx, "k1", now)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate before expiry")
	}

	later := now.Add(2 * time.Second)
	dup, err = store.IsDuplicate(ctx, "k1", later)
	if err != nil {
		t.Fatalf("is duplicate later: %v", err)
	}
	if dup {
		t.Fatalf("expected non-duplicate after expiry")
	}
}

func TestCompleteDeliveryCountsRedelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := Delivery{
		TrackerID:    "t1",
		Subscription: "transfers",
		BlockNumber:  100,
		TxIndex:      2,
		LogIndex:     7,
		TxHash:       "0xabc",
	}
	if err := store.CompleteDelivery(ctx, d, "0xabc:7", now.Add(time.Hour)); err != nil {
		t.Fatalf("complete delivery: %v", err)
	}
	if err := store.CompleteDelivery(ctx, d, "", time.Time{}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	got, err := store.ListDeliveries(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(got) != 1 || got[0].Attempts != 2 || got[0].TxIndex != 2 || got[0].LogIndex != 7 {
		t.Fatalf("unexpected ledger: %+v", got)
	}

	dup, err := store.IsDuplicate(ctx, "0xabc:7", now)
	if err != nil || !dup {
		t.Fatalf("dedupe key not marked with delivery: dup=%v err=%v", dup, err)
	}

	if others, _ := store.ListDeliveries(ctx, "t2", 0); len(others) != 0 {
		t.Fatalf("tracker filter ignored: %+v", others)
	}
	if all, _ := store.ListDeliveries(ctx, "", 1); len(all) != 1 {
		t.Fatalf("expected 1 delivery across trackers, got %d", len(all))
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}
