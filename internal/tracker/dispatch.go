package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// dispatch drains the buffer front to back and stops at the first failure.
// It returns how many events were acknowledged.
func (t *Tracker) dispatch(ctx context.Context) int {
	delivered := 0
	for len(t.pending) > 0 {
		ev := t.pending[0]
		if err := t.deliver(ctx, ev); err != nil {
			t.log.Warn("dispatch event failed",
				zap.String("subscription", ev.Name),
				zap.Uint64("block", ev.BlockNumber),
				zap.Uint("tx_index", ev.TxIndex),
				zap.Uint("log_index", ev.LogIndex),
				zap.Stringer("tx_hash", ev.Log.TxHash),
				zap.Int("pending", len(t.pending)),
				zap.Error(err))
			t.metrics.HandlerFailed(t.cfg.ID)
			break
		}
		t.pending[0] = Event{}
		t.pending = t.pending[1:]
		delivered++
		t.metrics.EventDelivered(t.cfg.ID)
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
	return delivered
}

func (t *Tracker) deliver(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.handler(ctx, ev)
}
