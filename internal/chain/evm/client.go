package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/devblac/event-tracker/internal/tracker"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// LogClient captures the subset of ethclient used by the tracker.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements tracker.ChainService over JSON-RPC.
type Client struct {
	eth     LogClient
	rpc     *rpc.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps outgoing RPC calls at perSecond with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Dial connects to an EVM node.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	c := NewClient(ethclient.NewClient(rc), opts...)
	c.rpc = rc
	return c, nil
}

// NewClient wraps an existing LogClient.
func NewClient(eth LogClient, opts ...Option) *Client {
	c := &Client{eth: eth}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the RPC connection if this client owns one.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w: %w", tracker.ErrChainUnavailable, err)
	}
	return n, nil
}

// FilterEvents runs eth_getLogs for a single address over [from, to].
func (c *Client) FilterEvents(ctx context.Context, address common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d > to %d", tracker.ErrInvalidRange, from, to)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w: %w", from, to, tracker.ErrChainUnavailable, err)
	}
	return logs, nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w: %w", tracker.ErrChainUnavailable, err)
	}
	return id, nil
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ChainID(ctx)
	return err
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w: %w", tracker.ErrChainUnavailable, err)
	}
	return nil
}
