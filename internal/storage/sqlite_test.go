package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn against every Repository implementation.
func eachStore(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestStore(t))
	})
}

func sampleExperiment(id string, created time.Time) *experiment.Experiment {
	return &experiment.Experiment{
		ID:     id,
		Name:   "checkout button " + id,
		Type:   experiment.TypeContentVariation,
		Status: experiment.StatusDraft,
		Variants: []experiment.Variant{
			{ID: "control", Name: "Blue", AllocationPercentage: 50, IsControl: true,
				Configuration: map[string]any{"color": "blue"}},
			{ID: "treatment", Name: "Green", AllocationPercentage: 50},
		},
		Metrics: []experiment.Metric{
			{ID: "signup", Type: experiment.MetricConversionRate, IsPrimary: true},
		},
		CreatedAt:       created,
		StartDate:       created,
		CreatedBy:       "tester",
		MinSampleSize:   100,
		ConfidenceLevel: 0.95,
		MaxDurationDays: 30,
		Metadata:        map[string]any{"team": "growth"},
	}
}

func TestNewSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	if s == nil {
		t.Fatal("store is nil")
	}
}

func TestRepository_SaveGetExperiment(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		if err := repo.SaveExperiment(ctx, sampleExperiment("exp_1", created)); err != nil {
			t.Fatal(err)
		}

		got, err := repo.GetExperiment(ctx, "exp_1")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("experiment not found")
		}
		if got.Name != "checkout button exp_1" {
			t.Errorf("Name = %q", got.Name)
		}
		if len(got.Variants) != 2 || !got.Variants[0].IsControl {
			t.Errorf("Variants = %+v", got.Variants)
		}
		if got.Variants[0].Configuration["color"] != "blue" {
			t.Errorf("Configuration = %v", got.Variants[0].Configuration)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
	})
}

func TestRepository_GetExperiment_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		got, err := repo.GetExperiment(context.Background(), "missing")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Error("expected nil for missing experiment")
		}
	})
}

func TestRepository_SaveExperiment_Upsert(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		exp := sampleExperiment("exp_1", time.Now())
		repo.SaveExperiment(ctx, exp)

		exp.Status = experiment.StatusActive
		repo.SaveExperiment(ctx, exp)

		got, _ := repo.GetExperiment(ctx, "exp_1")
		if got.Status != experiment.StatusActive {
			t.Errorf("Status = %q, want active", got.Status)
		}
		all, _ := repo.ListExperiments(ctx)
		if len(all) != 1 {
			t.Errorf("ListExperiments = %d, want 1", len(all))
		}
	})
}

func TestRepository_ReturnsCopies(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		exp := sampleExperiment("exp_1", time.Now())
		repo.SaveExperiment(ctx, exp)

		exp.Name = "mutated after save"
		got, _ := repo.GetExperiment(ctx, "exp_1")
		got.Variants[0].Name = "mutated after get"

		again, _ := repo.GetExperiment(ctx, "exp_1")
		if again.Name != "checkout button exp_1" || again.Variants[0].Name != "Blue" {
			t.Errorf("stored experiment changed: %q / %q", again.Name, again.Variants[0].Name)
		}
	})
}

func TestRepository_ListExperiments_Ordered(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		repo.SaveExperiment(ctx, sampleExperiment("exp_b", base.Add(2*time.Hour)))
		repo.SaveExperiment(ctx, sampleExperiment("exp_a", base.Add(time.Hour)))
		repo.SaveExperiment(ctx, sampleExperiment("exp_c", base.Add(3*time.Hour)))

		all, err := repo.ListExperiments(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("ListExperiments = %d, want 3", len(all))
		}
		if all[0].ID != "exp_a" || all[1].ID != "exp_b" || all[2].ID != "exp_c" {
			t.Errorf("order = %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
		}
	})
}

func TestRepository_Assignment_FirstWriteWins(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		if _, ok, _ := repo.GetAssignment(ctx, "exp_1", "u1"); ok {
			t.Fatal("unexpected assignment before save")
		}

		first, err := repo.SaveAssignment(ctx, experiment.Assignment{
			ExperimentID: "exp_1", UserID: "u1", VariantID: "control", AssignedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if first.VariantID != "control" {
			t.Errorf("first = %q", first.VariantID)
		}

		second, err := repo.SaveAssignment(ctx, experiment.Assignment{
			ExperimentID: "exp_1", UserID: "u1", VariantID: "treatment", AssignedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if second.VariantID != "control" {
			t.Errorf("second save returned %q, want stored control", second.VariantID)
		}

		v, ok, err := repo.GetAssignment(ctx, "exp_1", "u1")
		if err != nil || !ok || v != "control" {
			t.Errorf("GetAssignment = %q, %v, %v", v, ok, err)
		}
		if _, ok, _ := repo.GetAssignment(ctx, "exp_2", "u1"); ok {
			t.Error("assignment leaked across experiments")
		}
	})
}

func TestRepository_Events_FilterAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now().UTC()

		events := []experiment.Event{
			{ID: "e1", ExperimentID: "exp_1", UserID: "u1", VariantID: "control", Type: "view", Timestamp: now},
			{ID: "e2", ExperimentID: "exp_1", UserID: "u1", VariantID: "control", Type: "conversion", Timestamp: now},
			{ID: "e3", ExperimentID: "exp_1", UserID: "u2", VariantID: "treatment", Type: "value",
				Data: json.RawMessage(`{"value":12.5}`), Timestamp: now},
			{ID: "e4", ExperimentID: "exp_2", UserID: "u1", VariantID: "control", Type: "view", Timestamp: now},
		}
		for _, ev := range events {
			if err := repo.AppendEvent(ctx, ev); err != nil {
				t.Fatal(err)
			}
		}

		all, err := repo.Events(ctx, "exp_1", EventFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != "e1" || all[2].ID != "e3" {
			t.Fatalf("Events = %+v", all)
		}
		if string(all[2].Data) != `{"value":12.5}` {
			t.Errorf("Data = %s", all[2].Data)
		}

		control, _ := repo.Events(ctx, "exp_1", EventFilter{VariantID: "control"})
		if len(control) != 2 {
			t.Errorf("control events = %d, want 2", len(control))
		}
		conv, _ := repo.Events(ctx, "exp_1", EventFilter{VariantID: "control", Type: "conversion"})
		if len(conv) != 1 || conv[0].ID != "e2" {
			t.Errorf("conversion events = %+v", conv)
		}
		none, _ := repo.Events(ctx, "missing", EventFilter{})
		if len(none) != 0 {
			t.Errorf("missing experiment events = %d", len(none))
		}
	})
}

func TestRepository_PruneEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 10; i++ {
			repo.AppendEvent(ctx, experiment.Event{
				ID: string(rune('a' + i)), ExperimentID: "exp_1", UserID: "u", VariantID: "control",
				Type: "view", Timestamp: base.Add(time.Duration(i) * time.Hour),
			})
		}

		removed, err := repo.PruneEvents(ctx, "exp_1", base.Add(3*time.Hour), 0)
		if err != nil {
			t.Fatal(err)
		}
		if removed != 3 {
			t.Errorf("age prune removed %d, want 3", removed)
		}

		removed, err = repo.PruneEvents(ctx, "exp_1", time.Time{}, 4)
		if err != nil {
			t.Fatal(err)
		}
		if removed != 3 {
			t.Errorf("count prune removed %d, want 3", removed)
		}

		left, _ := repo.Events(ctx, "exp_1", EventFilter{})
		if len(left) != 4 || left[0].ID != "g" || left[3].ID != "j" {
			t.Errorf("remaining = %+v", left)
		}

		removed, _ = repo.PruneEvents(ctx, "exp_1", time.Time{}, 0)
		if removed != 0 {
			t.Errorf("disabled prune removed %d", removed)
		}
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abengine.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.SaveExperiment(ctx, sampleExperiment("exp_1", time.Now()))
	s.SaveAssignment(ctx, experiment.Assignment{ExperimentID: "exp_1", UserID: "u1", VariantID: "treatment", AssignedAt: time.Now()})
	s.AppendEvent(ctx, experiment.Event{ID: "e1", ExperimentID: "exp_1", UserID: "u1", VariantID: "treatment", Type: "conversion", Timestamp: time.Now()})
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	exp, _ := s.GetExperiment(ctx, "exp_1")
	if exp == nil {
		t.Fatal("experiment lost after reopen")
	}
	if v, ok, _ := s.GetAssignment(ctx, "exp_1", "u1"); !ok || v != "treatment" {
		t.Errorf("assignment after reopen = %q, %v", v, ok)
	}
	events, _ := s.Events(ctx, "exp_1", EventFilter{})
	if len(events) != 1 {
		t.Errorf("events after reopen = %d", len(events))
	}
}

// Verify Repository interface compliance.
func TestStores_ImplementRepository(t *testing.T) {
	var _ Repository = (*SQLiteStore)(nil)
	var _ Repository = (*MemoryStore)(nil)
}
