package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/event-tracker/internal/chain/evm"
	"github.com/devblac/event-tracker/internal/config"
	"github.com/spf13/cobra"
)

const pingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d tracker(s), storage %s)\n", cfg.Version, len(cfg.Trackers), cfg.Storage.Driver)
		for _, t := range cfg.Trackers {
			fmt.Fprintf(out, "- tracker %s: %d subscription(s), start block %d\n", t.ID, len(t.Subscriptions), t.StartBlock)
		}

		ctx, cancel := context.WithTimeout(cmdContext(cmd), pingTimeout)
		defer cancel()

		client, err := evm.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		defer client.Close()

		chainID, err := client.ChainID(ctx)
		if err != nil {
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			return fmt.Errorf("validate: rpc failed connectivity")
		}
		fmt.Fprintf(out, "- rpc: chainId %s OK\n", chainID)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
