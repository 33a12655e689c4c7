// Package engine implements the experiment lifecycle orchestrator.
//
// The Engine owns no state of its own beyond caches: experiments, assignments
// and events live in a storage.Repository. Every state transition of one
// experiment runs under that experiment's mutex, so manual and automatic
// stops race safely and the loser observes a false return.
//
// Lifecycle:
//
//	DRAFT --start--> ACTIVE --stop--> STOPPED --final analysis--> COMPLETED
//	                 ACTIVE <--pause/resume--> PAUSED
//	                 STOPPED --persisting analysis failed--> FAILED
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overhuman/abengine/internal/assignment"
	"github.com/overhuman/abengine/internal/collector"
	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/observability"
	"github.com/overhuman/abengine/internal/stats"
	"github.com/overhuman/abengine/internal/storage"
)

// Stop reasons used by the engine itself.
const (
	ReasonManual        = "manual_stop"
	ReasonMaxDuration   = "max_duration_reached"
	ReasonEarlyStopping = "early_stopping_significant_result"
)

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Defaults fill unset knobs of a Definition.
type Defaults struct {
	MinSampleSize   int
	ConfidenceLevel float64
	MaxDurationDays int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTargeter sets the audience filter. Defaults to MatchAll.
func WithTargeter(t Targeter) Option {
	return func(e *Engine) { e.targeter = t }
}

// WithDefaults overrides the creation defaults.
func WithDefaults(d Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// WithRetention bounds per-experiment event logs.
func WithRetention(p collector.RetentionPolicy) Option {
	return func(e *Engine) { e.retention = p }
}

// WithAssignmentCache sets the assignment LRU size.
func WithAssignmentCache(size int) Option {
	return func(e *Engine) { e.cacheSize = size }
}

// Engine coordinates experiments, assignment, event collection and analysis.
type Engine struct {
	repo      storage.Repository
	assigner  *assignment.Assigner
	collector *collector.Collector

	clock     Clock
	log       *observability.Logger
	metrics   *observability.Metrics
	targeter  Targeter
	defaults  Defaults
	retention collector.RetentionPolicy
	cacheSize int

	locks sync.Map // experiment id -> *sync.Mutex
}

// New creates an Engine over repo.
func New(repo storage.Repository, opts ...Option) (*Engine, error) {
	e := &Engine{
		repo:  repo,
		clock: SystemClock,
		defaults: Defaults{
			MinSampleSize:   experiment.DefaultMinSampleSize,
			ConfidenceLevel: experiment.DefaultConfidenceLevel,
			MaxDurationDays: experiment.DefaultMaxDurationDays,
		},
		cacheSize: assignment.DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = observability.Nop()
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics(nil)
	}
	if e.targeter == nil {
		e.targeter = MatchAll{}
	}

	a, err := assignment.New(repo, e.cacheSize, e.clock.Now, e.log.With("subsystem", "assignment"))
	if err != nil {
		return nil, err
	}
	e.assigner = a
	e.collector = collector.New(repo, e.clock.Now, e.retention)
	return e, nil
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

func (e *Engine) lock(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func newExperimentID(name string, now time.Time) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("exp_%d_%03d_%s", now.Unix(), h.Sum32()%1000, uuid.NewString()[:8])
}

// CreateExperiment validates def and stores a new DRAFT experiment.
// Validation and persistence failures are returned.
func (e *Engine) CreateExperiment(ctx context.Context, def experiment.Definition) (*experiment.Experiment, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	exp := &experiment.Experiment{
		ID:              newExperimentID(def.Name, now),
		Name:            def.Name,
		Description:     def.Description,
		Type:            def.NormalizedType(),
		Variants:        def.NormalizedVariants(),
		Metrics:         append([]experiment.Metric(nil), def.Metrics...),
		TargetUsers:     def.TargetUsers,
		CreatedAt:       now,
		StartDate:       now,
		Status:          experiment.StatusDraft,
		CreatedBy:       def.CreatedBy,
		MinSampleSize:   def.MinSampleSize,
		ConfidenceLevel: def.ConfidenceLevel,
		MaxDurationDays: def.MaxDurationDays,
		Metadata:        map[string]any{},
	}
	if exp.MinSampleSize == 0 {
		exp.MinSampleSize = e.defaults.MinSampleSize
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = e.defaults.ConfidenceLevel
	}
	if exp.MaxDurationDays == 0 {
		exp.MaxDurationDays = e.defaults.MaxDurationDays
	}

	if err := e.repo.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	e.metrics.ExperimentsCreated.Inc()
	e.log.Lifecycle("created", exp.ID, "name", exp.Name, "variants", len(exp.Variants))
	return exp.Clone(), nil
}

// transition moves an experiment from one status to another under its lock.
// mutate runs before the save. Returns the saved experiment, or nil when the
// guard fails.
func (e *Engine) transition(ctx context.Context, id string, from, to experiment.Status, mutate func(*experiment.Experiment)) *experiment.Experiment {
	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		e.log.Error("load experiment failed", "experiment_id", id, "error", err)
		return nil
	}
	if exp == nil || exp.Status != from {
		return nil
	}
	exp.Status = to
	if mutate != nil {
		mutate(exp)
	}
	if err := e.repo.SaveExperiment(ctx, exp); err != nil {
		e.log.Error("save experiment failed", "experiment_id", id, "status", string(to), "error", err)
		return nil
	}
	e.metrics.Transitions.WithLabelValues(string(to)).Inc()
	return exp
}

// StartExperiment moves a DRAFT experiment to ACTIVE and resets its start
// date. Unknown ids and other states return false.
func (e *Engine) StartExperiment(ctx context.Context, id string) bool {
	defer e.lock(id)()

	now := e.clock.Now()
	exp := e.transition(ctx, id, experiment.StatusDraft, experiment.StatusActive, func(x *experiment.Experiment) {
		x.StartDate = now
		x.EndDate = time.Time{}
	})
	if exp == nil {
		return false
	}
	e.log.Lifecycle("started", id)
	return true
}

// PauseExperiment moves an ACTIVE experiment to PAUSED. Paused experiments
// assign nobody and ignore events.
func (e *Engine) PauseExperiment(ctx context.Context, id string) bool {
	defer e.lock(id)()

	if e.transition(ctx, id, experiment.StatusActive, experiment.StatusPaused, nil) == nil {
		return false
	}
	e.log.Lifecycle("paused", id)
	return true
}

// ResumeExperiment moves a PAUSED experiment back to ACTIVE.
func (e *Engine) ResumeExperiment(ctx context.Context, id string) bool {
	defer e.lock(id)()

	if e.transition(ctx, id, experiment.StatusPaused, experiment.StatusActive, nil) == nil {
		return false
	}
	e.log.Lifecycle("resumed", id)
	return true
}

// StopExperiment moves an ACTIVE experiment to STOPPED and runs the final
// analysis, which completes the experiment. If the analysis cannot be
// stored the experiment is marked FAILED; the stop itself still succeeded.
func (e *Engine) StopExperiment(ctx context.Context, id, reason string) bool {
	defer e.lock(id)()

	if reason == "" {
		reason = ReasonManual
	}
	now := e.clock.Now()
	exp := e.transition(ctx, id, experiment.StatusActive, experiment.StatusStopped, func(x *experiment.Experiment) {
		x.EndDate = now
		if x.Metadata == nil {
			x.Metadata = map[string]any{}
		}
		x.Metadata[experiment.MetaStopReason] = reason
	})
	if exp == nil {
		return false
	}
	e.metrics.Stops.WithLabelValues(reason).Inc()
	e.metrics.ForgetExperiment(id)
	e.log.Lifecycle("stopped", id, "reason", reason)

	e.finalize(ctx, exp)
	return true
}

// finalize stores the final results of a stopped experiment.
func (e *Engine) finalize(ctx context.Context, exp *experiment.Experiment) {
	results, comparisons, err := e.analyze(ctx, exp)
	if err == nil {
		exp.Results = results
		exp.Comparisons = comparisons
		exp.Status = experiment.StatusCompleted
		if err = e.repo.SaveExperiment(ctx, exp); err == nil {
			e.metrics.Transitions.WithLabelValues(string(experiment.StatusCompleted)).Inc()
			e.log.Lifecycle("completed", exp.ID, "results", len(results), "comparisons", len(comparisons))
			return
		}
	}

	e.log.Error("final analysis failed", "experiment_id", exp.ID, "error", err)
	exp.Status = experiment.StatusFailed
	exp.Results, exp.Comparisons = nil, nil
	exp.Metadata[experiment.MetaFailureReason] = err.Error()
	if serr := e.repo.SaveExperiment(ctx, exp); serr != nil {
		e.log.Error("mark experiment failed", "experiment_id", exp.ID, "error", serr)
		return
	}
	e.metrics.Transitions.WithLabelValues(string(experiment.StatusFailed)).Inc()
}

// GetExperiment returns a copy of an experiment, or nil.
func (e *Engine) GetExperiment(ctx context.Context, id string) *experiment.Experiment {
	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		e.log.Error("load experiment failed", "experiment_id", id, "error", err)
		return nil
	}
	return exp
}

// ListExperiments returns every experiment in creation order.
func (e *Engine) ListExperiments(ctx context.Context) []*experiment.Experiment {
	all, err := e.repo.ListExperiments(ctx)
	if err != nil {
		e.log.Error("list experiments failed", "error", err)
		return []*experiment.Experiment{}
	}
	return all
}

// GetActiveExperiments returns the ACTIVE experiments.
func (e *Engine) GetActiveExperiments(ctx context.Context) []*experiment.Experiment {
	active := []*experiment.Experiment{}
	for _, exp := range e.ListExperiments(ctx) {
		if exp.Status == experiment.StatusActive {
			active = append(active, exp)
		}
	}
	return active
}

// GetExperimentSummary aggregates the registry.
func (e *Engine) GetExperimentSummary(ctx context.Context) experiment.Summary {
	sum := experiment.Summary{ExperimentTypes: []experiment.Type{}}
	seen := map[experiment.Type]bool{}
	for _, exp := range e.ListExperiments(ctx) {
		sum.TotalExperiments++
		switch exp.Status {
		case experiment.StatusActive:
			sum.ActiveExperiments++
		case experiment.StatusCompleted:
			sum.CompletedExperiments++
		}
		if !seen[exp.Type] {
			seen[exp.Type] = true
			sum.ExperimentTypes = append(sum.ExperimentTypes, exp.Type)
		}
		if exp.StartDate.After(sum.LastExperimentDate) {
			sum.LastExperimentDate = exp.StartDate
		}
	}
	return sum
}

// RequiredSampleSize plans the per-variant sample size of a conversion test.
// Non-positive power or alpha use 0.8 and 0.05.
func (e *Engine) RequiredSampleSize(baselineRate, minimumEffect, power, alpha float64) int {
	return stats.RequiredSampleSize(baselineRate, minimumEffect, power, alpha)
}
