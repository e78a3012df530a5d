package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/paperloop/paperloop/internal/config"
	"github.com/paperloop/paperloop/internal/httpapi"
	"github.com/paperloop/paperloop/internal/loop"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/store"
)

const (
	appName = "paperloop"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Autonomous paper-trading engine",
		Version: version,
		Long: `paperloop turns live OHLCV bars into one ranked trading decision per
bar, enforces multi-layer risk gates, simulates execution, and persists a
durable audit trail under the reports directory.

MODE selects the track (PAPER, DRY_RUN, LIVE); anything other than LIVE
never reaches a broker. DEBUG_SIGNALS=1 raises signal logging to debug.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/engine.yaml", "Engine config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tick loop with the monitor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(configPath)
		},
	}

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one tick and print the latest snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configPath)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve health, metrics, and the latest snapshot (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(configPath)
		},
	}

	rootCmd.AddCommand(runCmd, tickCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setup(configPath string) (config.Config, store.Layout, *metrics.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, store.Layout{}, nil, err
	}
	mode := store.ParseMode(os.Getenv("MODE"))
	layout := store.NewLayout(cfg.ReportsRoot, mode)
	log.Info().
		Str("mode", string(mode)).
		Str("reports", cfg.ReportsRoot).
		Strs("symbols", cfg.Symbols).
		Str("timeframe", cfg.Timeframe).
		Msg("engine configured")
	return cfg, layout, metrics.NewRegistry(), nil
}

func debugSignals() bool { return os.Getenv("DEBUG_SIGNALS") == "1" }

// runLoop runs the scheduler and the monitor server under one cancellation
// scope; SIGINT/SIGTERM stop both.
func runLoop(configPath string) error {
	cfg, layout, m, err := setup(configPath)
	if err != nil {
		return err
	}

	engine, err := loop.NewEngine(cfg, layout, m, debugSignals(), nil)
	if err != nil {
		return err
	}
	scheduler := loop.NewScheduler(engine)
	server := httpapi.NewServer(cfg.Monitor.Addr, layout, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return server.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(5 * time.Second)
	})
	return g.Wait()
}

// runOnce executes a single tick and prints the resulting snapshot.
func runOnce(configPath string) error {
	cfg, layout, m, err := setup(configPath)
	if err != nil {
		return err
	}

	engine, err := loop.NewEngine(cfg, layout, m, debugSignals(), nil)
	if err != nil {
		return err
	}
	if err := engine.TickAll(context.Background(), time.Now()); err != nil {
		return err
	}

	data, err := os.ReadFile(layout.LatestSnapshot())
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var pretty any
	if err := json.Unmarshal(data, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			data = out
		}
	}
	fmt.Println(string(data))
	return nil
}

func runMonitor(configPath string) error {
	cfg, layout, m, err := setup(configPath)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(cfg.Monitor.Addr, layout, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(5 * time.Second)
	})
	return g.Wait()
}
