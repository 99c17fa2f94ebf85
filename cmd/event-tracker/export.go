package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat  string
	flagExportWhat    string
	flagExportTracker string
	flagExportLimit   int
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json|csv")
	exportCmd.Flags().StringVar(&flagExportWhat, "what", "resume", "What to export: resume|deliveries")
	exportCmd.Flags().StringVar(&flagExportTracker, "tracker", "", "Only export deliveries of this tracker")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 0, "Maximum deliveries to export (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export resume points or the delivery ledger as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(flagExportFormat)
		if format != "json" && format != "csv" {
			return fmt.Errorf("unsupported format: %s", flagExportFormat)
		}

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

		out := cmd.OutOrStdout()
		switch strings.ToLower(flagExportWhat) {
		case "resume":
			recs, err := st.context.ListResumePoints(ctx)
			if err != nil {
				return err
			}
			return writeResume(out, format, recs)
		case "deliveries":
			ds, err := st.ledger.ListDeliveries(ctx, flagExportTracker, flagExportLimit)
			if err != nil {
				return err
			}
			return writeDeliveries(out, format, ds)
		default:
			return fmt.Errorf("unsupported export target: %s", flagExportWhat)
		}
	},
}

func writeResume(w io.Writer, format string, recs []storage.ResumeRecord) error {
	if format == "json" {
		return writeJSON(w, recs)
	}
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"tracker_id", "start_block", "updated_at"})
	for _, r := range recs {
		_ = cw.Write([]string{r.TrackerID, strconv.FormatUint(r.StartBlock, 10), r.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	cw.Flush()
	return cw.Error()
}

func writeDeliveries(w io.Writer, format string, ds []storage.Delivery) error {
	if format == "json" {
		return writeJSON(w, ds)
	}
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"tracker_id", "subscription", "block_number", "tx_index", "log_index", "tx_hash", "attempts", "delivered_at"})
	for _, d := range ds {
		_ = cw.Write([]string{
			d.TrackerID,
			d.Subscription,
			strconv.FormatUint(d.BlockNumber, 10),
			strconv.FormatUint(uint64(d.TxIndex), 10),
			strconv.FormatUint(uint64(d.LogIndex), 10),
			d.TxHash,
			strconv.Itoa(d.Attempts),
			d.DeliveredAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
