// Package tracker polls a chain for logs matching named subscriptions and
// delivers them, in (block, tx index, log index) order, to a single handler.
//
// Progress is checkpointed after every cycle as a resume point that never
// passes the oldest undelivered event, so delivery is at-least-once across
// restarts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devblac/event-tracker/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Cycle phases used in logs, errors and metrics.
const (
	PhaseHead       = "head"
	PhaseScan       = "scan"
	PhaseCheckpoint = "checkpoint"
)

// CycleError describes a failed cycle.
type CycleError struct {
	Phase string
	From  uint64
	To    uint64
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s phase [%d, %d]: %v", e.Phase, e.From, e.To, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// CycleResult summarizes one scan+dispatch+checkpoint cycle.
type CycleResult struct {
	From            uint64
	To              uint64
	Empty           bool
	Head            uint64
	Scanned         int
	Delivered       int
	Pending         int
	ResumePoint     uint64
	BlocksRemaining uint64
	// Checkpointed is false when the resume point could not be saved and the
	// continue policy let the cycle succeed anyway.
	Checkpointed bool
}

// Status is a point-in-time view of a tracker.
type Status struct {
	ID          string
	Running     bool
	NextBlock   uint64
	Pending     int
	Head        uint64
	ResumeBlock uint64
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger; a "tracker" field is added to it.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker is a recoverable block-event tracker. One cycle runs at a time.
type Tracker struct {
	cfg     Config
	chain   ChainService
	store   ContextStore
	handler Handler
	log     *zap.Logger
	metrics *metrics.Metrics
	sched   schedule
	subs    registry

	// cycleMu guards the cursor, the buffer and the fields below it.
	cycleMu    sync.Mutex
	next       uint64
	pending    []Event
	loaded     bool
	lastHead   uint64
	lastResume uint64

	// snapMu guards snap, the copy of the cursor state read by Status.
	snapMu sync.Mutex
	snap   Status

	stateMu  sync.Mutex
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
}

// New builds a tracker. Subscriptions must be registered before Start.
func New(cfg Config, chain ChainService, store ContextStore, handler Handler, opts ...Option) (*Tracker, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, errors.New("chain service is required")
	}
	if store == nil {
		return nil, errors.New("context store is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	t := &Tracker{
		cfg:     cfg,
		chain:   chain,
		store:   store,
		handler: handler,
		log:     zap.NewNop(),
		sched:   newSchedule(cfg.IntervalMinutes),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.String("tracker", cfg.ID))
	return t, nil
}

// ID returns the tracker identity.
func (t *Tracker) ID() string { return t.cfg.ID }

// Subscribe registers or replaces the filter stored under name.
func (t *Tracker) Subscribe(name string, address common.Address, topics [][]common.Hash) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.runningLocked() {
		return fmt.Errorf("subscribe %s: %w", name, ErrRunning)
	}
	return t.subs.put(Subscription{Name: name, Address: address, Topics: topics})
}

// Subscriptions returns the registered filters in registration order.
func (t *Tracker) Subscriptions() []Subscription {
	return t.subs.snapshot()
}

// Start restores the cursor from the context store and begins polling in the
// background. It returns once the loop is armed; cycle failures are only logged.
func (t *Tracker) Start(ctx context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.runningLocked() {
		return ErrRunning
	}

	t.cycleMu.Lock()
	err := t.restore(ctx)
	t.cycleMu.Unlock()
	if err != nil {
		return err
	}

	t.stop = make(chan struct{})
	t.stopOnce = &sync.Once{}
	t.done = make(chan struct{})
	go t.loop(ctx, t.stop, t.done)

	t.log.Info("tracker started",
		zap.Int("subscriptions", len(t.subs.snapshot())),
		zap.Int("interval_minutes", t.cfg.IntervalMinutes),
		zap.Uint64("batch_size", t.cfg.BatchSize))
	return nil
}

// Stop prevents any further cycle from being scheduled. A cycle already in
// progress runs to completion; wait on Done to observe that.
func (t *Tracker) Stop() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.stop == nil {
		return
	}
	stop := t.stop
	t.stopOnce.Do(func() { close(stop) })
}

// Done is closed when the polling loop has exited. It is closed immediately
// for a tracker that was never started.
func (t *Tracker) Done() <-chan struct{} {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Status reports the cursor and buffer state as of the last completed cycle
// or restore. It does not wait for an in-flight cycle.
func (t *Tracker) Status() Status {
	t.stateMu.Lock()
	running := t.runningLocked()
	t.stateMu.Unlock()

	t.snapMu.Lock()
	st := t.snap
	t.snapMu.Unlock()

	st.ID = t.cfg.ID
	st.Running = running
	return st
}

// publish copies the cursor state for Status. cycleMu must be held.
func (t *Tracker) publish() {
	t.snapMu.Lock()
	t.snap = Status{
		NextBlock:   t.next,
		Pending:     len(t.pending),
		Head:        t.lastHead,
		ResumeBlock: t.lastResume,
	}
	t.snapMu.Unlock()
}

func (t *Tracker) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Tracker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(t.sched.catchUp())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			t.log.Info("tracker stopped")
			return
		case <-ctx.Done():
			t.log.Info("tracker context done", zap.Error(ctx.Err()))
			return
		case <-timer.C:
		}

		res, err := t.RunCycle(ctx)
		remaining := res.BlocksRemaining
		if err != nil {
			remaining = 0
			if errors.Is(err, ErrCheckpoint) {
				t.log.Error("stopping tracker after checkpoint failure", zap.Error(err))
				return
			}
		}

		select {
		case <-stop:
			t.log.Info("tracker stopped")
			return
		default:
		}
		timer.Reset(t.sched.next(remaining))
	}
}

// RunCycle runs one scan, dispatch and checkpoint pass synchronously. It is
// what the polling loop calls on every tick. A returned error means nothing
// was checkpointed by this cycle.
func (t *Tracker) RunCycle(ctx context.Context) (CycleResult, error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	defer t.publish()

	if !t.loaded {
		if err := t.restore(ctx); err != nil {
			return CycleResult{}, err
		}
	}

	res, err := t.cycle(ctx)
	if err != nil {
		var ce *CycleError
		phase := "unknown"
		if errors.As(err, &ce) {
			phase = ce.Phase
		}
		t.log.Error("cycle failed",
			zap.String("phase", phase),
			zap.Uint64("from", res.From),
			zap.Uint64("to", res.To),
			zap.Error(err))
		t.metrics.CycleFailed(t.cfg.ID, phase)
		return res, err
	}
	if !res.Checkpointed {
		t.metrics.CycleFailed(t.cfg.ID, PhaseCheckpoint)
		return res, nil
	}
	t.metrics.CycleCompleted(t.cfg.ID)
	return res, nil
}

func (t *Tracker) cycle(ctx context.Context) (CycleResult, error) {
	hctx, cancel := t.queryContext(ctx)
	head, err := t.chain.HeadBlock(hctx)
	cancel()
	if err != nil {
		res := CycleResult{From: t.next, To: t.next}
		return res, &CycleError{Phase: PhaseHead, From: res.From, To: res.To, Err: err}
	}
	t.lastHead = head

	w := t.window(head)
	res := CycleResult{From: w.from, To: w.to, Empty: w.empty, Head: head}

	events, err := t.scan(ctx, w)
	if err != nil {
		return res, &CycleError{Phase: PhaseScan, From: w.from, To: w.to, Err: err}
	}
	if !w.empty {
		t.merge(events)
		t.next = w.to + 1
	}
	res.Scanned = len(events)
	t.metrics.EventsScanned(t.cfg.ID, len(events))

	t.log.Debug("scanned block range",
		zap.Uint64("from", w.from),
		zap.Uint64("to", w.to),
		zap.Uint64("head", head),
		zap.Int("events", len(events)))

	res.Delivered = t.dispatch(ctx)
	res.Pending = len(t.pending)
	res.BlocksRemaining = w.blocksRemaining(head)

	rp := t.resumePoint()
	res.ResumePoint = rp.StartBlock
	t.metrics.ObserveCycle(t.cfg.ID, res.Pending, res.BlocksRemaining, rp.StartBlock)

	if err := t.checkpoint(ctx, rp); err != nil {
		ce := &CycleError{Phase: PhaseCheckpoint, From: w.from, To: w.to, Err: err}
		if t.cfg.OnPersistError == PersistContinue {
			t.log.Error("resume point not persisted, continuing",
				zap.Uint64("resume_point", rp.StartBlock),
				zap.Error(err))
			return res, nil
		}
		return res, ce
	}
	res.Checkpointed = true

	if res.Scanned > 0 || res.Delivered > 0 {
		t.log.Info("cycle complete",
			zap.Uint64("from", w.from),
			zap.Uint64("to", w.to),
			zap.Int("scanned", res.Scanned),
			zap.Int("delivered", res.Delivered),
			zap.Int("pending", res.Pending),
			zap.Uint64("resume_point", rp.StartBlock),
			zap.Uint64("blocks_remaining", res.BlocksRemaining))
	}
	return res, nil
}
