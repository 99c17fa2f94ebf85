package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/engine"
	"github.com/devblac/event-tracker/internal/sink"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type stubChain struct {
	head uint64
	logs []types.Log
}

func (s *stubChain) HeadBlock(context.Context) (uint64, error) { return s.head, nil }

func (s *stubChain) FilterEvents(_ context.Context, addr common.Address, _ [][]common.Hash, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range s.logs {
		if lg.Address == addr && lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

type countingSink struct{ n int }

func (c *countingSink) Send(context.Context, sink.EventPayload) error { c.n++; return nil }

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfgPath = path
	flagForce = false
	t.Cleanup(func() { cfgPath = "config.yaml" })

	var out bytes.Buffer
	initCmd.SetOut(&out)
	if err := initCmd.RunE(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := initCmd.RunE(initCmd, nil); err == nil {
		t.Fatalf("expected second init to refuse overwrite")
	}

	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if len(cfg.Trackers) != 1 || cfg.Trackers[0].ID != "usdc" {
		t.Fatalf("unexpected trackers %+v", cfg.Trackers)
	}
}

func TestRunOnceDeliversAndCheckpoints(t *testing.T) {
	addr := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	cfg := &config.Config{
		Version: 1,
		Global:  config.GlobalConfig{DBPath: filepath.Join(t.TempDir(), "et.db")},
		Chain:   config.ChainConfig{RPCURL: "http://unused"},
		Trackers: []config.Tracker{{
			ID:         "usdc",
			StartBlock: 10,
			BatchSize:  100,
			Subscriptions: []config.Subscription{
				{Name: "transfers", Address: addr.Hex(), Topics: [][]string{{"Transfer(address,address,uint256)"}}},
			},
		}},
		Sinks:  []config.Sink{{ID: "s", Type: "log"}},
		Routes: []config.Route{{Tracker: "usdc", Sinks: []string{"s"}}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	st, err := openStores(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	defer st.Close()

	cs := &countingSink{}
	runner, err := engine.NewRunner(st.ledger, cfg, map[string]sink.Sender{"s": cs})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	chain := &stubChain{head: 50, logs: []types.Log{
		{Address: addr, BlockNumber: 12, Index: 0},
		{Address: addr, BlockNumber: 30, Index: 4},
	}}
	trackers, err := buildTrackers(cfg, chain, st.context, runner, zap.NewNop(), nil, "")
	if err != nil {
		t.Fatalf("build trackers: %v", err)
	}
	if err := runOnce(context.Background(), trackers, zap.NewNop()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if cs.n != 2 {
		t.Fatalf("expected 2 sends, got %d", cs.n)
	}

	rp, ok, err := st.context.LoadResumePoint(context.Background(), "usdc")
	if err != nil || !ok || rp.StartBlock != 51 {
		t.Fatalf("unexpected resume point %+v ok=%v err=%v", rp, ok, err)
	}

	ds, err := st.ledger.ListDeliveries(context.Background(), "usdc", 0)
	if err != nil || len(ds) != 2 {
		t.Fatalf("ledger: %+v err=%v", ds, err)
	}

	if _, err := buildTrackers(cfg, chain, st.context, runner, zap.NewNop(), nil, "other"); err == nil {
		t.Fatalf("expected unknown tracker filter to fail")
	}
}

func TestWriteExports(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	recs := []storage.ResumeRecord{{TrackerID: "a", StartBlock: 7, UpdatedAt: at}}

	var buf bytes.Buffer
	if err := writeResume(&buf, "csv", recs); err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !strings.Contains(buf.String(), "a,7,2024-01-02T03:04:05Z") {
		t.Fatalf("unexpected csv %q", buf.String())
	}

	buf.Reset()
	ds := []storage.Delivery{{TrackerID: "a", Subscription: "s", BlockNumber: 9, LogIndex: 1, Attempts: 1, DeliveredAt: at}}
	if err := writeDeliveries(&buf, "json", ds); err != nil {
		t.Fatalf("json: %v", err)
	}
	var got []storage.Delivery
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil || len(got) != 1 || got[0].BlockNumber != 9 {
		t.Fatalf("unexpected json %s err=%v", buf.String(), err)
	}
}

func TestLag(t *testing.T) {
	if lag(100, true, 90) != "10" || lag(100, true, 101) != "0" || lag(0, false, 5) != "?" {
		t.Fatalf("unexpected lag rendering")
	}
}

var _ tracker.ChainService = (*stubChain)(nil)

func TestInspectionOpensPebbleReadOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Global:  config.GlobalConfig{DBPath: filepath.Join(dir, "et.db")},
		Storage: config.StorageConfig{Driver: config.DriverPebble, Path: filepath.Join(dir, "pebble")},
	}
	ctx := context.Background()

	st, err := openStores(ctx, cfg, false)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	if err := st.context.SaveResumePoint(ctx, "usdc", tracker.ResumePoint{StartBlock: 42}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := openStores(ctx, cfg, true); err == nil || !strings.Contains(err.Error(), "stop `run` first") {
		t.Fatalf("expected lock hint while the store is held, got %v", err)
	}
	st.Close()

	ro, err := openStores(ctx, cfg, true)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()
	recs, err := ro.context.ListResumePoints(ctx)
	if err != nil || len(recs) != 1 || recs[0].StartBlock != 42 {
		t.Fatalf("unexpected records %+v err=%v", recs, err)
	}
	if err := ro.context.SaveResumePoint(ctx, "usdc", tracker.ResumePoint{StartBlock: 43}); err == nil {
		t.Fatalf("inspection store accepted a save")
	}
}
