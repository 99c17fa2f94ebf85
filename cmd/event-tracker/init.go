package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1

global:
  db_path: event-tracker.db
  log_level: info
  log_format: json

chain:
  rpc_url: ${RPC_URL}
  rate_limit: 10
  query_timeout: 30s

storage:
  driver: sqlite # sqlite | postgres | file | pebble

trackers:
  - id: usdc
    start_block: 19000000
    interval_minutes: 1
    on_persist_error: stop
    subscriptions:
      - name: transfers
        address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
        topics:
          - ["Transfer(address,address,uint256)"]

sinks:
  - id: stdout
    type: log
  - id: ops
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
    template: "USDC transfer in block {{.BlockNumber}} tx {{short_addr .TxHash}}"

routes:
  - tracker: usdc
    subscription: transfers
    sinks: ["stdout", "ops"]
    dedupe:
      key: "txhash:logIndex"
      ttl: 24h
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagForce {
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; set RPC_URL and SLACK_WEBHOOK_URL, then run `event-tracker validate`\n", cfgPath)
		return nil
	},
}
