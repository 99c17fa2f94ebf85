package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/devblac/event-tracker/internal/chain/evm"
	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/spf13/cobra"
)

var flagOffline bool

func init() {
	stateCmd.Flags().BoolVar(&flagOffline, "offline", false, "Do not query the chain head for lag")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show resume points and processing lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmdContext(cmd)

		st, err := openStores(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.context.ListResumePoints(ctx)
		if err != nil {
			return err
		}

		var head uint64
		haveHead := false
		if !flagOffline {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if client, err := evm.Dial(pingCtx, cfg.Chain.RPCURL); err == nil {
				defer client.Close()
				if h, err := client.HeadBlock(pingCtx); err == nil {
					head, haveHead = h, true
				}
			}
		}

		byID := make(map[string]storage.ResumeRecord, len(recs))
		for _, r := range recs {
			byID[r.TrackerID] = r
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRACKER\tRESUME BLOCK\tLAG\tUPDATED")
		for _, t := range cfg.Trackers {
			r, ok := byID[t.ID]
			if !ok {
				fmt.Fprintf(w, "%s\t-\t-\tnever (start block %d)\n", t.ID, t.StartBlock)
				continue
			}
			delete(byID, t.ID)
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.TrackerID, r.StartBlock, lag(head, haveHead, r.StartBlock), formatTime(r.UpdatedAt))
		}
		for _, r := range recs {
			if _, orphan := byID[r.TrackerID]; orphan {
				fmt.Fprintf(w, "%s (not configured)\t%d\t%s\t%s\n", r.TrackerID, r.StartBlock, lag(head, haveHead, r.StartBlock), formatTime(r.UpdatedAt))
			}
		}
		return w.Flush()
	},
}

func lag(head uint64, ok bool, resume uint64) string {
	if !ok {
		return "?"
	}
	if resume > head {
		return "0"
	}
	return fmt.Sprintf("%d", head-resume)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
