package health

import (
	"context"
	"fmt"
)

// Pinger is anything that can check its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RPCChecker combines RPC health checks across named endpoints.
type RPCChecker struct {
	clients map[string]Pinger
}

// NewRPCChecker creates a checker for the given endpoints.
func NewRPCChecker(clients map[string]Pinger) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping checks all configured endpoints and reports the last failure.
func (c *RPCChecker) Ping(ctx context.Context) error {
	var lastErr error
	for id, cli := range c.clients {
		if err := cli.Ping(ctx); err != nil {
			lastErr = fmt.Errorf("rpc %s: %w", id, err)
		}
	}
	return lastErr
}
