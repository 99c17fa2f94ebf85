package tracker

import (
	"errors"
	"fmt"
	"time"
)

// PersistPolicy selects what happens when a resume point cannot be written.
type PersistPolicy string

const (
	// PersistStop stops the tracker after the failing cycle.
	PersistStop PersistPolicy = "stop"
	// PersistContinue logs the failure and keeps polling.
	PersistContinue PersistPolicy = "continue"
)

const (
	DefaultIntervalMinutes = 1
	MaxIntervalMinutes     = 10

	// blocksPerIntervalMinute sizes the default scan window (half an hour of
	// 5s blocks per configured minute).
	blocksPerIntervalMinute = 360
	// thresholdPerIntervalMinute is how far behind head counts as catching up.
	thresholdPerIntervalMinute = 6
)

// Config holds per-tracker settings.
type Config struct {
	ID              string
	StartBlock      uint64
	IntervalMinutes int
	// BatchSize overrides the number of blocks per scan window; 0 derives it
	// from the interval.
	BatchSize uint64
	// QueryTimeout bounds each chain call (head and log queries); 0 disables it.
	QueryTimeout   time.Duration
	OnPersistError PersistPolicy
}

// ClampInterval maps 0 to the default and anything outside 1-10 to 10.
func ClampInterval(minutes int) int {
	switch {
	case minutes == 0:
		return DefaultIntervalMinutes
	case minutes < 1 || minutes > MaxIntervalMinutes:
		return MaxIntervalMinutes
	default:
		return minutes
	}
}

func (c Config) normalize() (Config, error) {
	if c.ID == "" {
		return c, errors.New("tracker id is required")
	}
	c.IntervalMinutes = ClampInterval(c.IntervalMinutes)
	if c.BatchSize == 0 {
		c.BatchSize = uint64(c.IntervalMinutes) * blocksPerIntervalMinute
	}
	if c.QueryTimeout < 0 {
		return c, fmt.Errorf("query timeout must not be negative: %s", c.QueryTimeout)
	}
	switch c.OnPersistError {
	case "":
		c.OnPersistError = PersistStop
	case PersistStop, PersistContinue:
	default:
		return c, fmt.Errorf("unknown persist policy %q", c.OnPersistError)
	}
	return c, nil
}

// schedule implements the adaptive cadence: full interval when near head, a
// sixtieth of it while catching up.
type schedule struct {
	interval  time.Duration
	threshold uint64
}

func newSchedule(minutes int) schedule {
	return schedule{
		interval:  time.Duration(minutes) * time.Minute,
		threshold: uint64(minutes) * thresholdPerIntervalMinute,
	}
}

func (s schedule) catchUp() time.Duration {
	return s.interval / 60
}

// next returns the delay before the following cycle given how many blocks
// remain between the last scanned block and the head.
func (s schedule) next(blocksRemaining uint64) time.Duration {
	if blocksRemaining > s.threshold {
		return s.catchUp()
	}
	return s.interval
}
