package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devblac/event-tracker/internal/chain/evm"
	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/engine"
	"github.com/devblac/event-tracker/internal/health"
	"github.com/devblac/event-tracker/internal/logging"
	"github.com/devblac/event-tracker/internal/metrics"
	"github.com/devblac/event-tracker/internal/sink"
	"github.com/devblac/event-tracker/internal/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var (
	flagOnce    bool
	flagDryRun  bool
	flagTracker string
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run one cycle per tracker and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks or write the delivery ledger")
	runCmd.Flags().StringVar(&flagTracker, "tracker", "", "Only run the tracker with this id")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run event trackers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := newLogger(cfg)
		defer func() { _ = log.Sync() }()

		ctx := cmdContext(cmd)

		st, err := openStores(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer st.Close()

		client, err := evm.Dial(ctx, cfg.Chain.RPCURL, evm.WithRateLimit(cfg.Chain.RateLimit, cfg.Chain.RateBurst))
		if err != nil {
			return err
		}
		defer client.Close()

		sinks := map[string]sink.Sender{}
		for _, s := range cfg.Sinks {
			sender, err := sink.Build(s, log.With(zap.String("sink", s.ID)))
			if err != nil {
				return fmt.Errorf("sink %s: %w", s.ID, err)
			}
			sinks[s.ID] = sender
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			srv := &http.Server{Addr: flagMetrics, Handler: metricsMux(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
			defer shutdownServer(srv)
			log.Info("metrics enabled", zap.String("addr", flagMetrics))
		}

		runner, err := engine.NewRunner(st.ledger, cfg, sinks,
			engine.WithDryRun(flagDryRun),
			engine.WithLogger(log.Named("engine")),
			engine.WithMetrics(mtr))
		if err != nil {
			return err
		}

		trackers, err := buildTrackers(cfg, client, st.context, runner, log, mtr, flagTracker)
		if err != nil {
			return err
		}

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  st.context.Ping,
				RPCPing: health.NewRPCChecker(map[string]health.Pinger{"chain": client}).Ping,
				Trackers: func() []tracker.Status {
					out := make([]tracker.Status, 0, len(trackers))
					for _, tr := range trackers {
						out = append(out, tr.Status())
					}
					return out
				},
			})
			log.Info("health check enabled", zap.String("addr", flagHealth))
			defer shutdownServer(healthSrv)
		}

		if flagOnce {
			return runOnce(ctx, trackers, log)
		}
		return runForever(ctx, trackers, log)
	},
}

func newLogger(cfg *config.Config) *zap.Logger {
	level := cfg.Global.LogLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	return logging.New(level, cfg.Global.LogFormat)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func buildTrackers(cfg *config.Config, chain tracker.ChainService, store tracker.ContextStore, runner *engine.Runner, log *zap.Logger, mtr *metrics.Metrics, only string) ([]*tracker.Tracker, error) {
	var out []*tracker.Tracker
	for _, tc := range cfg.Trackers {
		if only != "" && tc.ID != only {
			continue
		}
		tr, err := tracker.New(tracker.Config{
			ID:              tc.ID,
			StartBlock:      tc.StartBlock,
			IntervalMinutes: tc.IntervalMinutes,
			BatchSize:       tc.BatchSize,
			QueryTimeout:    cfg.Chain.QueryTimeoutDuration(),
			OnPersistError:  tracker.PersistPolicy(strings.ToLower(tc.OnPersistError)),
		}, chain, store, runner.Handler(tc.ID),
			tracker.WithLogger(log),
			tracker.WithMetrics(mtr))
		if err != nil {
			return nil, fmt.Errorf("tracker %s: %w", tc.ID, err)
		}
		for _, s := range tc.Subscriptions {
			addr, err := evm.ParseAddress(s.Address)
			if err != nil {
				return nil, fmt.Errorf("tracker %s subscription %s: %w", tc.ID, s.Name, err)
			}
			topics, err := evm.ParseTopics(s.Topics)
			if err != nil {
				return nil, fmt.Errorf("tracker %s subscription %s: %w", tc.ID, s.Name, err)
			}
			if err := tr.Subscribe(s.Name, addr, topics); err != nil {
				return nil, fmt.Errorf("tracker %s: %w", tc.ID, err)
			}
		}
		out = append(out, tr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tracker matches %q", only)
	}
	return out, nil
}

func runOnce(ctx context.Context, trackers []*tracker.Tracker, log *zap.Logger) error {
	var errs []error
	for _, tr := range trackers {
		res, err := tr.RunCycle(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tracker %s: %w", tr.ID(), err))
			continue
		}
		log.Info("cycle complete",
			zap.String("tracker", tr.ID()),
			zap.Uint64("from", res.From),
			zap.Uint64("to", res.To),
			zap.Int("delivered", res.Delivered),
			zap.Int("pending", res.Pending),
			zap.Uint64("resume_point", res.ResumePoint),
			zap.Bool("dry_run", flagDryRun))
	}
	return errors.Join(errs...)
}

// runForever starts every tracker and blocks until a signal arrives or every
// tracker has stopped on its own.
func runForever(ctx context.Context, trackers []*tracker.Tracker, log *zap.Logger) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Trackers get their own context so a signal lets in-flight cycles finish.
	trackerCtx, cancelTrackers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTrackers()

	started := make([]*tracker.Tracker, 0, len(trackers))
	for _, tr := range trackers {
		if err := tr.Start(trackerCtx); err != nil {
			stopAll(started, log)
			return fmt.Errorf("start tracker %s: %w", tr.ID(), err)
		}
		started = append(started, tr)
	}

	allDone := make(chan struct{})
	go func() {
		for _, tr := range started {
			<-tr.Done()
		}
		close(allDone)
	}()

	select {
	case <-sigCtx.Done():
		log.Info("shutdown requested")
	case <-allDone:
		return errors.New("all trackers stopped")
	}

	stopAll(started, log)
	select {
	case <-allDone:
		log.Info("trackers stopped")
		return nil
	case <-time.After(shutdownTimeout):
		cancelTrackers()
		<-allDone
		return fmt.Errorf("trackers did not stop within %s", shutdownTimeout)
	}
}

func stopAll(trackers []*tracker.Tracker, log *zap.Logger) {
	for _, tr := range trackers {
		tr.Stop()
	}
	log.Debug("stop requested", zap.Int("trackers", len(trackers)))
}
