package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/observability"
)

// MonitorConfig tunes the health monitor. Zero fields use the defaults.
type MonitorConfig struct {
	Interval     time.Duration // between passes, default 1h
	ErrorBackoff time.Duration // after a failed pass, default 5m
	Concurrency  int           // parallel health checks, default 4
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// CheckResult is the outcome of one experiment's health check.
type CheckResult struct {
	ExperimentID string
	Stopped      bool
	Reason       string
	Pruned       int
	Err          error
}

// Monitor periodically checks ACTIVE experiments: it enforces retention,
// stops experiments past their maximum duration and stops experiments with
// a highly significant result once every variant has enough samples.
//
// The monitor never starts itself. Call Run in a goroutine owned by the
// host, or CheckOnce from tests and schedulers.
type Monitor struct {
	engine *Engine
	cfg    MonitorConfig
	log    *observability.Logger

	// after is swapped in tests.
	after func(time.Duration) <-chan time.Time
}

// NewMonitor creates a monitor for e.
func NewMonitor(e *Engine, cfg MonitorConfig) *Monitor {
	return &Monitor{
		engine: e,
		cfg:    cfg.withDefaults(),
		log:    e.log.With("subsystem", "monitor"),
		after:  time.After,
	}
}

// Run checks all experiments, then waits Interval (or ErrorBackoff after a
// failed pass) and repeats until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started", "interval", m.cfg.Interval.String(), "concurrency", m.cfg.Concurrency)
	for {
		wait := m.cfg.Interval
		if _, err := m.CheckOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("monitor pass failed", "error", err, "retry_in", m.cfg.ErrorBackoff.String())
			wait = m.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-m.after(wait):
		}
	}
}

// CheckOnce runs one pass over the ACTIVE experiments. A failing or
// panicking check never prevents the others from running; their errors are
// joined into the returned error.
func (m *Monitor) CheckOnce(ctx context.Context) ([]CheckResult, error) {
	all, err := m.engine.repo.ListExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}

	var (
		mu      sync.Mutex
		results []CheckResult
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, exp := range all {
		if exp.Status != experiment.StatusActive {
			continue
		}
		id := exp.ID
		g.Go(func() error {
			res := m.safeCheck(ctx, id)
			mu.Lock()
			results = append(results, res)
			if res.Err != nil {
				errs = append(errs, res.Err)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	m.engine.metrics.MonitorPasses.Inc()

	return results, errors.Join(errs...)
}

func (m *Monitor) safeCheck(ctx context.Context, id string) (res CheckResult) {
	res.ExperimentID = id
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("health check panicked", "experiment_id", id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("health check %s: panic: %v", id, r)
		}
		if res.Err != nil {
			m.engine.metrics.MonitorChecks.WithLabelValues(observability.OutcomeError).Inc()
		}
	}()
	return m.check(ctx, id)
}

// check runs the health check of a single experiment.
func (m *Monitor) check(ctx context.Context, id string) CheckResult {
	res := CheckResult{ExperimentID: id}
	e := m.engine

	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("health check %s: %w", id, err)
		return res
	}
	if exp == nil || exp.Status != experiment.StatusActive {
		return res
	}

	pruned, err := e.collector.Enforce(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("health check %s: %w", id, err)
		return res
	}
	if pruned > 0 {
		res.Pruned = pruned
		e.metrics.EventsPruned.Add(float64(pruned))
		m.log.Monitor(id, "retention", "pruned", pruned)
	}

	now := e.clock.Now()
	if exp.MaxDurationDays > 0 {
		if days := exp.DaysRunning(now); days >= exp.MaxDurationDays {
			m.log.Monitor(id, "max_duration", "days", days, "max_days", exp.MaxDurationDays)
			return m.stop(ctx, res, ReasonMaxDuration)
		}
	}

	results, comparisons, err := e.analyze(ctx, exp)
	if err != nil {
		res.Err = fmt.Errorf("health check %s: %w", id, err)
		return res
	}
	if earlyStop(exp, results, comparisons) {
		m.log.Monitor(id, "early_stopping", "comparisons", len(comparisons))
		return m.stop(ctx, res, ReasonEarlyStopping)
	}

	e.metrics.MonitorChecks.WithLabelValues(observability.OutcomeHealthy).Inc()
	return res
}

func (m *Monitor) stop(ctx context.Context, res CheckResult, reason string) CheckResult {
	res.Reason = reason
	if m.engine.StopExperiment(ctx, res.ExperimentID, reason) {
		res.Stopped = true
		m.engine.metrics.MonitorChecks.WithLabelValues(observability.OutcomeStopped).Inc()
	} else {
		// Someone else stopped or paused it first.
		m.engine.metrics.MonitorChecks.WithLabelValues(observability.OutcomeRaceLost).Inc()
	}
	return res
}

// earlyStop reports whether a highly significant comparison exists and
// every result has reached the minimum sample size.
func earlyStop(exp *experiment.Experiment, results []experiment.Result, comparisons []experiment.Comparison) bool {
	if len(results) == 0 {
		return false
	}
	significant := false
	for _, c := range comparisons {
		if c.Significance == experiment.HighlySignificant {
			significant = true
			break
		}
	}
	if !significant {
		return false
	}
	for _, r := range results {
		if r.SampleSize < exp.MinSampleSize {
			return false
		}
	}
	return true
}
