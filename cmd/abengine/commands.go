package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/overhuman/abengine/internal/config"
	"github.com/overhuman/abengine/internal/daemon"
	"github.com/overhuman/abengine/internal/engine"
	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/stats"
)

func buildCreateCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a DRAFT experiment from a YAML definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadDefinition(file)
			if err != nil {
				return err
			}
			return withApp(opts, cmd, func(a *app) error {
				exp, err := a.engine.CreateExperiment(cmd.Context(), def)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), exp.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "experiment definition (YAML)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// transitionCmd builds a command that applies one lifecycle transition.
func transitionCmd(opts *globalOptions, use, short, guard string, apply func(*engine.Engine, context.Context, string) bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				if !apply(a.engine, cmd.Context(), args[0]) {
					return fmt.Errorf("cannot %s %s: unknown experiment or not %s", use, args[0], guard)
				}
				renderTransition(cmd.OutOrStdout(), args[0], a.engine.GetExperiment(cmd.Context(), args[0]))
				return nil
			})
		},
	}
}

func buildStartCmd(opts *globalOptions) *cobra.Command {
	return transitionCmd(opts, "start", "Start a DRAFT experiment", "draft", (*engine.Engine).StartExperiment)
}

func buildPauseCmd(opts *globalOptions) *cobra.Command {
	return transitionCmd(opts, "pause", "Pause an ACTIVE experiment", "active", (*engine.Engine).PauseExperiment)
}

func buildResumeCmd(opts *globalOptions) *cobra.Command {
	return transitionCmd(opts, "resume", "Resume a PAUSED experiment", "paused", (*engine.Engine).ResumeExperiment)
}

func buildStopCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := transitionCmd(opts, "stop", "Stop an ACTIVE experiment and run the final analysis", "active",
		func(e *engine.Engine, ctx context.Context, id string) bool {
			return e.StopExperiment(ctx, id, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", engine.ReasonManual, "stop reason recorded in metadata")
	return cmd
}

func buildListCmd(opts *globalOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				var rows []*experiment.Experiment
				for _, exp := range a.engine.ListExperiments(cmd.Context()) {
					if status == "" || string(exp.Status) == status {
						rows = append(rows, exp)
					}
				}
				renderExperiments(cmd.OutOrStdout(), rows, a.engine.Now())

				sum := a.engine.GetExperimentSummary(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%d experiments, %d active, %d completed\n",
					sum.TotalExperiments, sum.ActiveExperiments, sum.CompletedExperiments)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show experiments in this status")
	return cmd
}

func buildReportCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report <experiment-id>",
		Short: "Show results, comparisons and recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				report := a.engine.GetExperimentResults(cmd.Context(), args[0])
				if report == nil {
					return fmt.Errorf("experiment %s not found", args[0])
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				renderReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func buildEventsCmd(opts *globalOptions) *cobra.Command {
	var variant, eventType string
	var limit int
	cmd := &cobra.Command{
		Use:   "events <experiment-id>",
		Short: "Show recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app) error {
				events := a.engine.GetExperimentEvents(cmd.Context(), args[0], variant, eventType)
				if limit > 0 && len(events) > limit {
					events = events[len(events)-limit:]
				}
				renderEvents(cmd.OutOrStdout(), events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "filter by variant id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "show only the newest N events (0 = all)")
	return cmd
}

func buildSampleSizeCmd() *cobra.Command {
	var baseline, effect, power, alpha float64
	cmd := &cobra.Command{
		Use:   "sample-size",
		Short: "Plan the per-variant sample size of a conversion experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseline <= 0 || baseline >= 1 {
				return fmt.Errorf("--baseline must be in (0, 1), got %v", baseline)
			}
			n := stats.RequiredSampleSize(baseline, effect, power, alpha)
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline conversion rate, e.g. 0.1")
	cmd.Flags().Float64Var(&effect, "effect", 0, "minimum relative effect to detect, e.g. 0.1 for +10%")
	cmd.Flags().Float64Var(&power, "power", stats.DefaultPower, "statistical power")
	cmd.Flags().Float64Var(&alpha, "alpha", stats.DefaultAlpha, "significance level")
	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("effect")
	return cmd
}

func buildSimulateCmd(opts *globalOptions) *cobra.Command {
	var (
		users    int
		rates    map[string]string
		seed     uint64
		quiet    bool
		prefix   string
		fallback float64
	)
	cmd := &cobra.Command{
		Use:   "simulate <experiment-id>",
		Short: "Send synthetic traffic through an ACTIVE experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv := make(map[string]float64, len(rates))
			for variant, raw := range rates {
				p, err := strconv.ParseFloat(raw, 64)
				if err != nil || p < 0 || p > 1 {
					return fmt.Errorf("--rate %s=%s: want a probability in [0, 1]", variant, raw)
				}
				conv[variant] = p
			}

			return withApp(opts, cmd, func(a *app) error {
				ctx := cmd.Context()
				expID := args[0]
				if exp := a.engine.GetExperiment(ctx, expID); exp == nil || exp.Status != experiment.StatusActive {
					return fmt.Errorf("experiment %s is not active", expID)
				}

				rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
				var bar *progressbar.ProgressBar
				if !quiet {
					bar = progressbar.NewOptions(users,
						progressbar.OptionSetWriter(cmd.ErrOrStderr()),
						progressbar.OptionSetDescription("simulating"),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}

				assigned := map[string]int{}
				converted := map[string]int{}
				for i := 0; i < users; i++ {
					user := fmt.Sprintf("%s%d", prefix, i)
					v, ok := a.engine.GetUserVariant(ctx, user, expID)
					if !ok {
						continue
					}
					assigned[v.ID]++
					a.engine.RecordEvent(ctx, expID, user, "view", nil)

					p, ok := conv[v.ID]
					if !ok {
						p = fallback
					}
					if rng.Float64() < p {
						converted[v.ID]++
						a.engine.RecordEvent(ctx, expID, user, experiment.EventConversion, nil)
					}
					if bar != nil {
						bar.Add(1)
					}
				}
				if bar != nil {
					bar.Finish()
				}

				for variant, n := range assigned {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d users, %d conversions\n", variant, n, converted[variant])
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&users, "users", 1000, "number of synthetic users")
	cmd.Flags().StringToStringVar(&rates, "rate", nil, "conversion probability per variant, e.g. control=0.10,treatment=0.12")
	cmd.Flags().Float64Var(&fallback, "default-rate", 0.1, "conversion probability of variants without --rate")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&prefix, "prefix", "sim_user_", "synthetic user id prefix")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

func buildMonitorCmd(opts *globalOptions) *cobra.Command {
	var (
		once      bool
		terminate bool
		pidPath   string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the experiment health monitor",
		Long: `Periodically checks ACTIVE experiments, stops those past their maximum
duration or with a highly significant result, and enforces event retention.
Serves Prometheus metrics on metrics_addr when configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if terminate {
				return stopMonitor(opts, pidPath)
			}
			return withApp(opts, cmd, func(a *app) error {
				mon := engine.NewMonitor(a.engine, engine.MonitorConfig{
					Interval:     a.cfg.Monitor.Interval,
					ErrorBackoff: a.cfg.Monitor.ErrorBackoff,
					Concurrency:  a.cfg.Monitor.Concurrency,
				})

				if once {
					results, err := mon.CheckOnce(cmd.Context())
					for _, r := range results {
						renderCheck(cmd.OutOrStdout(), r)
					}
					return err
				}

				if pidPath == "" {
					pidPath = a.cfg.Monitor.PIDFile
				}
				if pidPath != "" {
					pf := daemon.NewPIDFile(pidPath)
					if err := pf.Acquire(); err != nil {
						return err
					}
					defer pf.Release()
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return runMonitor(ctx, a, mon)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&pidPath, "pidfile", "", "refuse to start while another monitor holds this PID file")
	cmd.Flags().BoolVar(&terminate, "stop", false, "signal the monitor recorded in the PID file and exit")
	return cmd
}

// stopMonitor sends SIGTERM to the monitor that owns the PID file.
func stopMonitor(opts *globalOptions, pidPath string) error {
	if pidPath == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		pidPath = cfg.Monitor.PIDFile
	}
	if pidPath == "" {
		return errors.New("--stop needs --pidfile or monitor.pid_file")
	}
	return daemon.NewPIDFile(pidPath).Terminate()
}

// runMonitor runs the monitor and, if configured, the metrics endpoint until
// ctx is cancelled.
func runMonitor(ctx context.Context, a *app, mon *engine.Monitor) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.log.Info("metrics listening", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "abengine %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
