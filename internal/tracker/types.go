package tracker

import (
	"cmp"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrChainUnavailable marks transient chain-query failures (network, RPC).
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrInvalidRange is returned for a log query whose from block is after its to block.
	ErrInvalidRange = errors.New("invalid block range")
	// ErrInvalidSubscription rejects malformed filters at registration time.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrRunning is returned when an operation needs the tracker to be stopped.
	ErrRunning = errors.New("tracker is running")
	// ErrCheckpoint wraps resume point write failures.
	ErrCheckpoint = errors.New("checkpoint write failed")
)

// ChainService is the chain-query collaborator.
type ChainService interface {
	// HeadBlock returns the latest known block number.
	HeadBlock(ctx context.Context) (uint64, error)
	// FilterEvents returns logs emitted by address matching topics within [from, to].
	FilterEvents(ctx context.Context, address common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, error)
}

// ContextStore persists one resume point per tracker id. SaveResumePoint must be
// durable before it returns.
type ContextStore interface {
	LoadResumePoint(ctx context.Context, trackerID string) (ResumePoint, bool, error)
	SaveResumePoint(ctx context.Context, trackerID string, rp ResumePoint) error
}

// Handler receives events one at a time in chain order. A nil error acknowledges
// the event; anything else leaves it at the front of the buffer for the next cycle.
// Delivery is at-least-once, so handlers must tolerate redelivery.
type Handler func(ctx context.Context, ev Event) error

// Subscription is a named log filter.
type Subscription struct {
	Name    string
	Address common.Address
	// Topics follows eth_getLogs positional semantics: position i matches any
	// hash in Topics[i], an empty position matches anything.
	Topics [][]common.Hash
}

// Event is a log tagged with the subscription that matched it.
type Event struct {
	Name        string
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
	Log         types.Log
}

// ResumePoint is the block the next scan starts from after a restart.
type ResumePoint struct {
	StartBlock uint64 `json:"startBlock"`
}

func newEvent(name string, lg types.Log) Event {
	return Event{
		Name:        name,
		BlockNumber: lg.BlockNumber,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
		Log:         lg,
	}
}

// compareEvents orders by (block, tx index, log index).
func compareEvents(a, b Event) int {
	if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TxIndex, b.TxIndex); c != 0 {
		return c
	}
	return cmp.Compare(a.LogIndex, b.LogIndex)
}
