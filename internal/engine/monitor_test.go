package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/overhuman/abengine/internal/collector"
	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/storage"
)

func resultFor(results []CheckResult, id string) (CheckResult, bool) {
	for _, r := range results {
		if r.ExperimentID == id {
			return r, true
		}
	}
	return CheckResult{}, false
}

func TestMonitor_StopsAtMaxDuration(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, nil)
	exp := mustStart(t, e, buttonColor(10))
	m := NewMonitor(e, MonitorConfig{})

	clock.Advance(29 * 24 * time.Hour)
	results, err := m.CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := resultFor(results, exp.ID); r.Stopped {
		t.Fatal("stopped before max duration")
	}

	clock.Advance(24 * time.Hour)
	results, err = m.CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := resultFor(results, exp.ID)
	if !ok || !r.Stopped || r.Reason != ReasonMaxDuration {
		t.Fatalf("check = %+v", r)
	}
	got := e.GetExperiment(ctx, exp.ID)
	if got.Status != experiment.StatusCompleted || got.Metadata[experiment.MetaStopReason] != ReasonMaxDuration {
		t.Errorf("experiment = %s / %v", got.Status, got.Metadata)
	}
}

func TestMonitor_EarlyStopping(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)
	exp := mustStart(t, e, buttonColor(10))

	users := usersPerVariant(t, e, exp, 40)
	convert(t, e, exp.ID, users["control"], 3)
	convert(t, e, exp.ID, users["treatment"], 30)

	results, err := NewMonitor(e, MonitorConfig{}).CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := resultFor(results, exp.ID)
	if !r.Stopped || r.Reason != ReasonEarlyStopping {
		t.Fatalf("check = %+v", r)
	}

	got := e.GetExperiment(ctx, exp.ID)
	if got.Status != experiment.StatusCompleted {
		t.Errorf("Status = %s", got.Status)
	}
	if len(got.Comparisons) != 1 || got.Comparisons[0].Winner != "treatment" {
		t.Errorf("final comparisons = %+v", got.Comparisons)
	}
}

func TestMonitor_NoEarlyStopBelowMinSample(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)
	exp := mustStart(t, e, buttonColor(100))

	users := usersPerVariant(t, e, exp, 40)
	convert(t, e, exp.ID, users["control"], 3)
	convert(t, e, exp.ID, users["treatment"], 30)

	results, err := NewMonitor(e, MonitorConfig{}).CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := resultFor(results, exp.ID); r.Stopped {
		t.Errorf("stopped with 40 of 100 samples: %+v", r)
	}
	if e.GetExperiment(ctx, exp.ID).Status != experiment.StatusActive {
		t.Error("experiment no longer active")
	}
}

func TestMonitor_SkipsInactive(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, nil)
	draft := mustCreate(t, e, buttonColor(10))
	paused := mustStart(t, e, buttonColor(10))
	e.PauseExperiment(ctx, paused.ID)

	clock.Advance(90 * 24 * time.Hour)
	results, err := NewMonitor(e, MonitorConfig{}).CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("checked inactive experiments: %+v", results)
	}
	if e.GetExperiment(ctx, draft.ID).Status != experiment.StatusDraft ||
		e.GetExperiment(ctx, paused.ID).Status != experiment.StatusPaused {
		t.Error("inactive experiment changed state")
	}
}

// faultyRepo panics or fails when loading events of chosen experiments.
type faultyRepo struct {
	storage.Repository
	mu      sync.Mutex
	panicOn string
	failOn  string
}

func (r *faultyRepo) set(panicOn, failOn string) {
	r.mu.Lock()
	r.panicOn, r.failOn = panicOn, failOn
	r.mu.Unlock()
}

func (r *faultyRepo) Events(ctx context.Context, id string, f storage.EventFilter) ([]experiment.Event, error) {
	r.mu.Lock()
	panicOn, failOn := r.panicOn, r.failOn
	r.mu.Unlock()
	switch id {
	case panicOn:
		panic("corrupt event log")
	case failOn:
		return nil, errors.New("read timeout")
	}
	return r.Repository.Events(ctx, id, f)
}

func TestMonitor_FaultIsolation(t *testing.T) {
	ctx := context.Background()
	repo := &faultyRepo{Repository: storage.NewMemoryStore()}
	e, clock := newTestEngine(t, repo)

	expired := mustStart(t, e, buttonColor(10))
	clock.Advance(31 * 24 * time.Hour)
	panicky := mustStart(t, e, buttonColor(10))
	failing := mustStart(t, e, buttonColor(10))
	repo.set(panicky.ID, failing.ID)

	results, err := NewMonitor(e, MonitorConfig{Concurrency: 1}).CheckOnce(ctx)
	if err == nil {
		t.Fatal("expected joined error from failing checks")
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if r, _ := resultFor(results, panicky.ID); r.Err == nil {
		t.Error("panic not converted to error")
	}
	if r, _ := resultFor(results, failing.ID); r.Err == nil {
		t.Error("repository error not reported")
	}
	if r, _ := resultFor(results, expired.ID); !r.Stopped || r.Err != nil {
		t.Errorf("healthy check affected by failures: %+v", r)
	}
	if e.GetExperiment(ctx, panicky.ID).Status != experiment.StatusActive {
		t.Error("panicking experiment changed state")
	}
}

func TestMonitor_EnforcesRetention(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil, WithRetention(collector.RetentionPolicy{MaxEvents: 5}))
	exp := mustStart(t, e, buttonColor(10))

	e.GetUserVariant(ctx, "alice", exp.ID)
	for i := 0; i < 8; i++ {
		e.RecordEvent(ctx, exp.ID, "alice", "view", nil)
	}

	results, err := NewMonitor(e, MonitorConfig{}).CheckOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := resultFor(results, exp.ID); r.Pruned != 3 {
		t.Errorf("pruned = %d, want 3", r.Pruned)
	}
	if n := len(e.GetExperimentEvents(ctx, exp.ID, "", "")); n != 5 {
		t.Errorf("events left = %d, want 5", n)
	}
}

// listFails fails to list experiments.
type listFails struct {
	storage.Repository
}

func (listFails) ListExperiments(context.Context) ([]*experiment.Experiment, error) {
	return nil, errors.New("database locked")
}

func TestMonitor_RunWaitsAndBacksOff(t *testing.T) {
	tests := []struct {
		name string
		repo storage.Repository
		want time.Duration
	}{
		{"healthy pass waits interval", storage.NewMemoryStore(), 2 * time.Hour},
		{"failed pass backs off", listFails{storage.NewMemoryStore()}, 7 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, tt.repo)
			m := NewMonitor(e, MonitorConfig{Interval: 2 * time.Hour, ErrorBackoff: 7 * time.Minute})

			ctx, cancel := context.WithCancel(context.Background())
			var waited []time.Duration
			m.after = func(d time.Duration) <-chan time.Time {
				waited = append(waited, d)
				cancel()
				return nil
			}

			if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
				t.Errorf("Run = %v, want context.Canceled", err)
			}
			if len(waited) != 1 || waited[0] != tt.want {
				t.Errorf("waited = %v, want [%s]", waited, tt.want)
			}
		})
	}
}

func TestMonitor_RunKeepsGoingAfterErrors(t *testing.T) {
	e, _ := newTestEngine(t, listFails{storage.NewMemoryStore()})
	m := NewMonitor(e, MonitorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	passes := 0
	m.after = func(time.Duration) <-chan time.Time {
		passes++
		if passes == 3 {
			cancel()
			return nil
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	m.Run(ctx)
	if passes != 3 {
		t.Errorf("passes = %d, want 3", passes)
	}
}

func TestMonitorConfig_Defaults(t *testing.T) {
	cfg := MonitorConfig{}.withDefaults()
	if cfg.Interval != time.Hour || cfg.ErrorBackoff != 5*time.Minute || cfg.Concurrency != 4 {
		t.Errorf("defaults = %+v", cfg)
	}
}
