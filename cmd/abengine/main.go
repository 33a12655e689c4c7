// Package main is the command-line front end of the experimentation engine.
//
// Usage:
//
//	abengine create -f checkout.yaml   create a DRAFT experiment
//	abengine start <id>                start collecting traffic
//	abengine report <id>               results, comparisons and recommendations
//	abengine stop <id> --reason done   stop and run the final analysis
//	abengine monitor                   run the health monitor, serve /metrics
//
// Environment variables:
//
//   - ABENGINE_CONFIG: configuration file (default: abengine.yaml)
//   - ABENGINE_DB: database path, overrides the config file
//   - ABENGINE_LOG_LEVEL: log level, overrides the config file
//   - ABENGINE_METRICS_ADDR: metrics listen address, overrides the config file
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/overhuman/abengine/internal/collector"
	"github.com/overhuman/abengine/internal/config"
	"github.com/overhuman/abengine/internal/engine"
	"github.com/overhuman/abengine/internal/observability"
	"github.com/overhuman/abengine/internal/storage"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalOptions struct {
	configPath string
	pretty     bool
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	defaultConfig := os.Getenv("ABENGINE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "abengine.yaml"
	}

	rootCmd := &cobra.Command{
		Use:          "abengine",
		Short:        "abengine - deterministic A/B experimentation engine",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable log output")

	rootCmd.AddCommand(
		buildCreateCmd(opts),
		buildStartCmd(opts),
		buildStopCmd(opts),
		buildPauseCmd(opts),
		buildResumeCmd(opts),
		buildListCmd(opts),
		buildReportCmd(opts),
		buildEventsCmd(opts),
		buildSampleSizeCmd(),
		buildSimulateCmd(opts),
		buildMonitorCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}

// app is the wired engine behind a command.
type app struct {
	cfg      config.Config
	repo     storage.Repository
	engine   *engine.Engine
	log      *observability.Logger
	registry *prometheus.Registry
}

func openApp(opts *globalOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	var log *observability.Logger
	if opts.pretty {
		log = observability.NewConsoleLogger("abengine", logOut)
	} else {
		log = observability.NewLogger("abengine", logOut)
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	repo, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(repo,
		engine.WithLogger(log),
		engine.WithMetrics(observability.NewMetrics(registry)),
		engine.WithDefaults(engine.Defaults{
			MinSampleSize:   cfg.Defaults.MinSampleSize,
			ConfidenceLevel: cfg.Defaults.ConfidenceLevel,
			MaxDurationDays: cfg.Defaults.MaxDurationDays,
		}),
		engine.WithRetention(collector.RetentionPolicy{
			MaxAge:    cfg.Retention.MaxAge,
			MaxEvents: cfg.Retention.MaxEvents,
		}),
		engine.WithAssignmentCache(cfg.AssignmentCacheSize),
	)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return &app{cfg: cfg, repo: repo, engine: eng, log: log, registry: registry}, nil
}

func (a *app) Close() error {
	return a.repo.Close()
}

// withApp opens the engine for the duration of fn.
func withApp(opts *globalOptions, cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
