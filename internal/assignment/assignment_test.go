package assignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/storage"
)

func fiftyFifty(id string) *experiment.Experiment {
	return &experiment.Experiment{
		ID:     id,
		Status: experiment.StatusActive,
		Variants: []experiment.Variant{
			{ID: "control", AllocationPercentage: 50, IsControl: true},
			{ID: "treatment", AllocationPercentage: 50},
		},
	}
}

func newTestAssigner(t *testing.T, repo storage.Repository, size int) *Assigner {
	t.Helper()
	a, err := New(repo, size, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestBucket_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := Bucket(fmt.Sprintf("user_%d", i), "exp_1")
		if p < 0 || p >= 100 {
			t.Fatalf("Bucket = %v out of [0,100)", p)
		}
		if math.Abs(p*100-math.Round(p*100)) > 1e-9 {
			t.Fatalf("Bucket = %v has more than two decimals", p)
		}
	}
}

func TestBucket_Deterministic(t *testing.T) {
	a := Bucket("alice", "exp_1")
	for i := 0; i < 10; i++ {
		if b := Bucket("alice", "exp_1"); b != a {
			t.Fatalf("Bucket changed: %v != %v", b, a)
		}
	}
	if Bucket("alice", "exp_1") == Bucket("alice", "exp_2") && Bucket("bob", "exp_1") == Bucket("bob", "exp_2") {
		t.Error("experiment id does not influence bucketing")
	}
}

func TestPick(t *testing.T) {
	variants := []experiment.Variant{
		{ID: "a", AllocationPercentage: 20},
		{ID: "b", AllocationPercentage: 30, IsControl: true},
		{ID: "c", AllocationPercentage: 50},
	}
	tests := []struct {
		percentile float64
		want       string
	}{
		{0, "a"},
		{20, "a"}, // boundary is inclusive
		{20.01, "b"},
		{50, "b"},
		{99.99, "c"},
	}
	for _, tt := range tests {
		if got := Pick(variants, tt.percentile); got != tt.want {
			t.Errorf("Pick(%v) = %q, want %q", tt.percentile, got, tt.want)
		}
	}
}

func TestPick_FallsBackToControl(t *testing.T) {
	variants := []experiment.Variant{
		{ID: "a", AllocationPercentage: 30},
		{ID: "b", AllocationPercentage: 30, IsControl: true},
	}
	if got := Pick(variants, 80); got != "b" {
		t.Errorf("Pick = %q, want control b", got)
	}
	if got := Pick(nil, 10); got != "" {
		t.Errorf("Pick(nil) = %q", got)
	}
}

func TestAssign_Sticky(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(t, storage.NewMemoryStore(), 100)
	exp := fiftyFifty("exp_1")

	first, fresh := a.Assign(ctx, exp, "alice")
	if first == "" || !fresh {
		t.Fatalf("first Assign = %q, fresh=%v", first, fresh)
	}
	for i := 0; i < 20; i++ {
		v, fresh := a.Assign(ctx, exp, "alice")
		if v != first || fresh {
			t.Fatalf("Assign #%d = %q (fresh=%v), want %q", i, v, fresh, first)
		}
	}
	if v, ok := a.Lookup(ctx, "exp_1", "alice"); !ok || v != first {
		t.Errorf("Lookup = %q, %v", v, ok)
	}
}

func TestAssign_Distribution(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(t, storage.NewMemoryStore(), 100)
	exp := fiftyFifty("exp_split")

	const users = 10000
	counts := map[string]int{}
	for i := 0; i < users; i++ {
		v, _ := a.Assign(ctx, exp, fmt.Sprintf("user_%d", i))
		counts[v]++
	}
	for _, id := range []string{"control", "treatment"} {
		share := float64(counts[id]) / users
		if math.Abs(share-0.5) > 0.02 {
			t.Errorf("%s share = %.3f, want 0.50±0.02", id, share)
		}
	}
}

func TestAssign_MemoSurvivesEviction(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStore()
	a := newTestAssigner(t, repo, 1)

	exp := &experiment.Experiment{
		ID: "exp_1",
		Variants: []experiment.Variant{
			{ID: "control", AllocationPercentage: 100, IsControl: true},
			{ID: "treatment", AllocationPercentage: 0},
		},
	}
	if v, _ := a.Assign(ctx, exp, "alice"); v != "control" {
		t.Fatalf("Assign = %q", v)
	}
	a.Assign(ctx, exp, "bob") // evicts alice from the cache

	// Recomputing now would pick treatment; the stored memo must win.
	exp.Variants[0].AllocationPercentage = 0
	exp.Variants[1].AllocationPercentage = 100
	if v, _ := a.Assign(ctx, exp, "alice"); v != "control" {
		t.Errorf("Assign after eviction = %q, want control", v)
	}
	if a.Len() != 1 {
		t.Errorf("cache len = %d, want 1", a.Len())
	}
}

func TestLookup_Absent(t *testing.T) {
	a := newTestAssigner(t, storage.NewMemoryStore(), 10)
	if v, ok := a.Lookup(context.Background(), "exp_1", "nobody"); ok || v != "" {
		t.Errorf("Lookup = %q, %v", v, ok)
	}
}

type brokenRepo struct {
	storage.Repository
}

var errBroken = errors.New("repository unavailable")

func (brokenRepo) GetAssignment(context.Context, string, string) (string, bool, error) {
	return "", false, errBroken
}

func (brokenRepo) SaveAssignment(context.Context, experiment.Assignment) (experiment.Assignment, error) {
	return experiment.Assignment{}, errBroken
}

func TestAssign_RepositoryFailure(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(t, brokenRepo{storage.NewMemoryStore()}, 10)
	exp := fiftyFifty("exp_1")

	want := Pick(exp.Variants, Bucket("alice", "exp_1"))
	got, fresh := a.Assign(ctx, exp, "alice")
	if got != want {
		t.Errorf("Assign = %q, want deterministic %q", got, want)
	}
	if fresh {
		t.Error("unsaved assignment reported as fresh")
	}
	if _, ok := a.Lookup(ctx, "exp_1", "alice"); ok {
		t.Error("Lookup should fail when repository is down")
	}
}

func TestNew_Clock(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStore()
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	a, err := New(repo, 0, func() time.Time { return at }, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := a.Assign(ctx, fiftyFifty("exp_1"), "alice")

	stored, err := repo.SaveAssignment(ctx, experiment.Assignment{ExperimentID: "exp_1", UserID: "alice", VariantID: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.VariantID != v || !stored.AssignedAt.Equal(at) {
		t.Errorf("stored = %+v", stored)
	}
}
