// Shard validator network simulator.
//
// Usage:
//
//	shardsim [--validators=4 --steps=2000 --seed=1]  Run a simulation
//	shardsim --help                                   Show help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-shardsim/config"
	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/metrics"
	"github.com/Klingon-tech/klingnet-shardsim/internal/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := config.Load("shardsim", os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	genesis, err := config.GenesisFor(cfg)
	if err != nil {
		return err
	}
	s, err := sim.New(cfg, genesis)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mc := cfg.MetricsExport(); mc.Enabled() {
		exp, err := metrics.NewExporter(ctx, mc)
		if err != nil {
			klog.Metrics.Warn().Err(err).Msg("Metrics export disabled")
		} else {
			defer exp.Close()
			s.SetExporter(exp, cfg.Metrics.Interval)
		}
	}

	report, runErr := s.Run(ctx, cfg.Sim.Steps)
	if cfg.Sim.Report != "" {
		if err := report.WriteFile(cfg.Sim.Report); err != nil {
			return err
		}
		klog.Sim.Info().Str("path", cfg.Sim.Report).Msg("Report written")
	}
	printSummary(report)
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func printSummary(r *sim.Report) {
	fmt.Printf("run %s: %d steps, clock %.1fs\n", r.RunID, r.Steps, r.Clock)
	fmt.Printf("blocks %d (failed %d), collations %d (failed %d), relays %d\n",
		r.Diag.Total.Blocks, r.Diag.Total.BlockFailures,
		r.Diag.Total.Collations, r.Diag.Total.CollationFailures,
		r.Diag.Total.Relays)
	for _, v := range r.Validators {
		fmt.Printf("  v%-3d height %-5d head %s  %-20s shards %v\n",
			v.ID, v.Height, v.Head.Short(), v.MainState, v.Watched)
	}
	if !r.Converged {
		fmt.Println("validators have not converged on one head")
	}
}
