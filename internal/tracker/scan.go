package tracker

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// window is the inclusive block range of one cycle. An empty window means the
// head has not moved past the cursor.
type window struct {
	from  uint64
	to    uint64
	empty bool
}

func (t *Tracker) window(head uint64) window {
	from := t.next
	if head < from {
		return window{from: from, to: from - 1, empty: true}
	}
	to := head
	if head-from >= t.cfg.BatchSize {
		to = from + t.cfg.BatchSize - 1
	}
	return window{from: from, to: to}
}

// blocksRemaining is how far the head is past the end of w.
func (w window) blocksRemaining(head uint64) uint64 {
	if w.empty || head <= w.to {
		return 0
	}
	return head - w.to
}

// scan queries every subscription over w concurrently. Any failure fails the
// whole scan and nothing is returned.
func (t *Tracker) scan(ctx context.Context, w window) ([]Event, error) {
	if w.empty {
		return nil, nil
	}

	subs := t.subs.snapshot()
	results := make([][]types.Log, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		g.Go(func() error {
			qctx, cancel := t.queryContext(gctx)
			defer cancel()
			logs, err := t.chain.FilterEvents(qctx, sub.Address, sub.Topics, w.from, w.to)
			if err != nil {
				t.log.Warn("fetch events failed",
					zap.String("subscription", sub.Name),
					zap.Uint64("from", w.from),
					zap.Uint64("to", w.to),
					zap.Error(err))
				return fmt.Errorf("subscription %s: %w", sub.Name, err)
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var events []Event
	for i, logs := range results {
		for _, lg := range logs {
			events = append(events, newEvent(subs[i].Name, lg))
		}
	}
	slices.SortStableFunc(events, compareEvents)
	return events, nil
}

// queryContext bounds a single chain call by the configured query timeout.
func (t *Tracker) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.QueryTimeout)
}

// merge adds events to the pending buffer and restores its order.
func (t *Tracker) merge(events []Event) {
	if len(events) == 0 {
		return
	}
	t.pending = append(t.pending, events...)
	slices.SortStableFunc(t.pending, compareEvents)
}
