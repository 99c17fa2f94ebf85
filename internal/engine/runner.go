// Package engine turns routing config into tracker handlers: each event is
// matched against the routes of its tracker, filtered by predicates, deduped,
// sent to sinks, and recorded in the delivery ledger.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/metrics"
	"github.com/devblac/event-tracker/internal/sink"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/devblac/event-tracker/internal/tracker"
	"go.uber.org/zap"
)

const defaultDedupeTTL = 24 * time.Hour

// Runner routes tracked events to sinks.
type Runner struct {
	store   *storage.Store
	sinks   map[string]sink.Sender
	routes  map[string][]routeExec
	dryRun  bool
	nowFunc func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type routeExec struct {
	route config.Route
	preds []Predicate
	ttl   time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithDryRun evaluates routes and dedupe without sending or recording.
func WithDryRun(dry bool) Option {
	return func(r *Runner) { r.dryRun = dry }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner compiles the routes of cfg against the given sinks.
func NewRunner(store *storage.Store, cfg *config.Config, sinks map[string]sink.Sender, opts ...Option) (*Runner, error) {
	routes := make(map[string][]routeExec)
	for i, rt := range cfg.Routes {
		preds, err := CompilePredicates(rt.Where)
		if err != nil {
			return nil, fmt.Errorf("route %d predicates: %w", i, err)
		}
		var ttl time.Duration
		if rt.Dedupe != nil {
			ttl = defaultDedupeTTL
			if d, err := time.ParseDuration(rt.Dedupe.TTL); err == nil && d > 0 {
				ttl = d
			}
		}
		for _, id := range rt.Sinks {
			if sinks[id] == nil {
				return nil, fmt.Errorf("route %d: sink %s not built", i, id)
			}
		}
		routes[rt.Tracker] = append(routes[rt.Tracker], routeExec{route: rt, preds: preds, ttl: ttl})
	}

	r := &Runner{
		store:   store,
		sinks:   sinks,
		routes:  routes,
		nowFunc: time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handler returns the tracker handler for one tracker id.
func (r *Runner) Handler(trackerID string) tracker.Handler {
	return func(ctx context.Context, ev tracker.Event) error {
		return r.handleEvent(ctx, trackerID, ev)
	}
}

// handleEvent returns an error only when a send or ledger write failed, so the
// tracker presents the event again next cycle. Sinks that already succeeded
// are skipped on retry when the route dedupes.
func (r *Runner) handleEvent(ctx context.Context, trackerID string, ev tracker.Event) error {
	payload := sink.PayloadFromEvent(trackerID, ev)
	fields := eventFields(payload)
	now := r.nowFunc()

	matched := false
	for _, exec := range r.routes[trackerID] {
		if exec.route.Subscription != "" && exec.route.Subscription != ev.Name {
			continue
		}
		pass, err := allPredicates(exec.preds, fields)
		if err != nil {
			r.log.Warn("predicate error", zap.String("subscription", ev.Name), zap.Error(err))
			continue
		}
		if !pass {
			continue
		}
		matched = true

		var key string
		if exec.route.Dedupe != nil {
			key = buildDedupeKey(exec.route.Dedupe.Key, payload)
		}
		for _, sinkID := range exec.route.Sinks {
			if err := r.sendOnce(ctx, sinkID, key, exec.ttl, now, payload); err != nil {
				return err
			}
		}
	}

	if !matched {
		r.metrics.EventDropped("no_route")
		return nil
	}
	if r.dryRun || r.store == nil {
		return nil
	}
	return r.store.CompleteDelivery(ctx, storage.Delivery{
		TrackerID:    trackerID,
		Subscription: ev.Name,
		BlockNumber:  ev.BlockNumber,
		TxIndex:      ev.TxIndex,
		LogIndex:     ev.LogIndex,
		TxHash:       payload.TxHash,
		DeliveredAt:  now,
	}, "", time.Time{})
}

func (r *Runner) sendOnce(ctx context.Context, sinkID, key string, ttl time.Duration, now time.Time, payload sink.EventPayload) error {
	var sinkKey string
	if key != "" && r.store != nil {
		sinkKey = sinkID + "|" + key
		isDup, err := r.store.IsDuplicate(ctx, sinkKey, now)
		if err != nil {
			return err
		}
		if isDup {
			r.metrics.EventDropped("duplicate")
			return nil
		}
	}

	if r.dryRun {
		r.log.Info("dry-run: would send",
			zap.String("sink", sinkID),
			zap.String("subscription", payload.Subscription),
			zap.Uint64("block", payload.BlockNumber),
			zap.Uint("log_index", payload.LogIndex))
		return nil
	}

	if err := r.sinks[sinkID].Send(ctx, payload); err != nil {
		r.metrics.SinkSend(sinkID, false)
		return fmt.Errorf("sink %s: %w", sinkID, err)
	}
	r.metrics.SinkSend(sinkID, true)

	if sinkKey != "" {
		if err := r.store.MarkDedupe(ctx, sinkKey, now.Add(ttl)); err != nil {
			return err
		}
	}
	return nil
}

func allPredicates(preds []Predicate, fields map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// buildDedupeKey substitutes txhash, logIndex and block in pattern.
func buildDedupeKey(pattern string, p sink.EventPayload) string {
	if pattern == "" {
		pattern = "txhash:logIndex"
	}
	return strings.NewReplacer(
		"txhash", p.TxHash,
		"logIndex", strconv.FormatUint(uint64(p.LogIndex), 10),
		"block", strconv.FormatUint(p.BlockNumber, 10),
	).Replace(pattern)
}
