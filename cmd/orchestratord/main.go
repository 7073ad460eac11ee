// Command orchestratord runs the multi-region failover orchestrator: it
// loads configuration, wires the relational probe, cache sentinel client,
// routing registry, history store, and coordinator together, then serves
// the control API until signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestrator/failoverd/internal/cacheprobe"
	"github.com/orchestrator/failoverd/internal/config"
	"github.com/orchestrator/failoverd/internal/coordinator"
	"github.com/orchestrator/failoverd/internal/history"
	"github.com/orchestrator/failoverd/internal/metrics"
	"github.com/orchestrator/failoverd/internal/relprobe"
	"github.com/orchestrator/failoverd/internal/routing"
	"github.com/orchestrator/failoverd/pkg/api"
	"github.com/orchestrator/failoverd/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional; env vars and defaults apply regardless)")
	initialRegion := flag.String("initial-region", "", "region name the routing registry should start as active (required)")
	flag.Parse()

	if err := run(*configPath, *initialRegion); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, initialRegion string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if initialRegion == "" {
		return errors.New("-initial-region is required")
	}
	initial, ok := cfg.Regions[initialRegion]
	if !ok {
		return fmt.Errorf("initial region %q is not one of the configured regions", initialRegion)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	log := logging.New(logging.Config{Level: level, Format: format, Output: os.Stdout}).WithComponent("orchestratord")

	rel := relprobe.New(log, nil)
	defer rel.Close()

	cache := cacheprobe.New(log, cfg.SentinelEndpoints, cfg.CacheServiceName)
	defer cache.Close()

	registry := routing.New(initialRegion, initial.RelationalEndpoint, initial.CacheEndpoint)

	sidecarPath := ""
	if cfg.Persistence.Enabled {
		sidecarPath = cfg.Persistence.Path
	}
	store, err := history.New(cfg.HistoryCapacity, sidecarPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	collector := metrics.NewCollector(metrics.Config{Namespace: "failoverd"})

	coord := coordinator.New(log, rel, cache, registry, store, cfg.Regions, cfg.StepBudgets,
		cfg.OverallBudget(), cfg.MaxLagTolerated(), collector)

	server := api.New(cfg.Server, coord, registry, store, rel, cache, cfg.Regions, collector, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("orchestrator starting", map[string]any{
		"address": cfg.Server.Address, "initial_region": initialRegion, "regions": len(cfg.Regions),
	})

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	log.Info("orchestrator stopped", nil)
	return nil
}
