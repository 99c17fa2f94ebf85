package main

import (
	"context"
	"fmt"
	"os"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/storage/filestore"
	"github.com/devblac/event-tracker/internal/storage/pebblestore"
	"github.com/devblac/event-tracker/internal/storage/postgres"
	"github.com/devblac/event-tracker/internal/tracker"
)

// contextStore is what every resume point backend offers the CLI.
type contextStore interface {
	tracker.ContextStore
	ListResumePoints(ctx context.Context) ([]storage.ResumeRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ contextStore = (*storage.Store)(nil)
	_ contextStore = (*postgres.Store)(nil)
	_ contextStore = (*filestore.Store)(nil)
	_ contextStore = (*pebblestore.Store)(nil)
)

// stores bundles the sqlite ledger with the configured resume point backend.
// For the sqlite driver both are the same database.
type stores struct {
	ledger  *storage.Store
	context contextStore
}

// openStores opens the ledger and the context store. Inspection commands pass
// readOnly, which opens a pebble context store without write access; pebble
// still refuses a second process, so they cannot run alongside `run` on it.
func openStores(ctx context.Context, cfg *config.Config, readOnly bool) (*stores, error) {
	ledger, err := storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var cs contextStore
	switch cfg.Storage.Driver {
	case config.DriverSQLite, "":
		cs = ledger
	case config.DriverPostgres:
		cs, err = postgres.NewStore(ctx, cfg.Storage.DSN)
	case config.DriverFile:
		cs, err = filestore.New(cfg.Storage.Path)
	case config.DriverPebble:
		if readOnly {
			cs, err = pebblestore.OpenReadOnly(cfg.Storage.Path)
			if err != nil {
				err = fmt.Errorf("%w (pebble allows one process per path; stop `run` first or inspect via /healthz)", err)
			}
		} else {
			cs, err = pebblestore.Open(cfg.Storage.Path)
		}
	default:
		err = fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("open %s context store: %w", cfg.Storage.Driver, err)
	}
	return &stores{ledger: ledger, context: cs}, nil
}

func (s *stores) Close() {
	if s.context != contextStore(s.ledger) {
		if err := s.context.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close context store: %v\n", err)
		}
	}
	_ = s.ledger.Close()
}
