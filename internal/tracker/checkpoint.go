package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// resumePoint is the oldest undelivered block, or the first unscanned block
// when nothing is pending.
func (t *Tracker) resumePoint() ResumePoint {
	if len(t.pending) > 0 {
		return ResumePoint{StartBlock: t.pending[0].BlockNumber}
	}
	return ResumePoint{StartBlock: t.next}
}

func (t *Tracker) checkpoint(ctx context.Context, rp ResumePoint) error {
	if err := t.store.SaveResumePoint(ctx, t.cfg.ID, rp); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	t.lastResume = rp.StartBlock
	return nil
}

// restore seeds the cursor from the configured start block and the persisted
// resume point, whichever is later, and drops anything buffered.
func (t *Tracker) restore(ctx context.Context) error {
	next := t.cfg.StartBlock
	rp, ok, err := t.store.LoadResumePoint(ctx, t.cfg.ID)
	if err != nil {
		return fmt.Errorf("load resume point: %w", err)
	}
	if ok {
		t.lastResume = rp.StartBlock
		if rp.StartBlock > next {
			next = rp.StartBlock
		}
	}
	t.next = next
	t.pending = nil
	t.loaded = true
	t.publish()

	t.log.Info("tracker cursor restored",
		zap.Uint64("start_block", t.cfg.StartBlock),
		zap.Bool("has_resume_point", ok),
		zap.Uint64("resume_point", rp.StartBlock),
		zap.Uint64("next_block", next))
	return nil
}
