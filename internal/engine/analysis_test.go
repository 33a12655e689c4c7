package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
)

func recExperiment(start time.Time) *experiment.Experiment {
	return &experiment.Experiment{
		ID:              "exp_rec",
		StartDate:       start,
		MinSampleSize:   100,
		MaxDurationDays: 30,
		Variants: []experiment.Variant{
			{ID: "control", IsControl: true, AllocationPercentage: 34},
			{ID: "b", AllocationPercentage: 33},
			{ID: "c", AllocationPercentage: 33},
		},
	}
}

func kinds(recs []experiment.Recommendation) map[experiment.RecommendationKind][]experiment.Recommendation {
	out := map[experiment.RecommendationKind][]experiment.Recommendation{}
	for _, r := range recs {
		out[r.Kind] = append(out[r.Kind], r)
	}
	return out
}

func TestRecommend_LargestSignificantLift(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := recExperiment(start)
	comparisons := []experiment.Comparison{
		{VariantAID: "control", VariantBID: "b", Lift: 8, PValue: 0.004, Significance: experiment.Significant},
		{VariantAID: "control", VariantBID: "c", Lift: 15, PValue: 0.0004, Significance: experiment.HighlySignificant},
		{VariantAID: "control", VariantBID: "c", Lift: 40, PValue: 0.03, Significance: experiment.MarginallySignificant},
	}

	recs := kinds(recommend(exp, nil, comparisons, start.Add(10*24*time.Hour)))
	win := recs[experiment.RecommendSignificantWinner]
	if len(win) != 1 || win[0].VariantID != "c" {
		t.Fatalf("winner = %+v", win)
	}
	if !strings.Contains(win[0].Message, "15.0%") || !strings.Contains(win[0].Message, "p=0.0004") {
		t.Errorf("message = %q", win[0].Message)
	}
	if len(recs[experiment.RecommendNoSignificance]) != 0 {
		t.Error("no-significance emitted alongside a winner")
	}
}

func TestRecommend_MarginalIsNotAWin(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	comparisons := []experiment.Comparison{
		{VariantAID: "control", VariantBID: "b", Lift: 12, PValue: 0.03, Significance: experiment.MarginallySignificant},
	}
	recs := kinds(recommend(recExperiment(start), nil, comparisons, start))
	if len(recs[experiment.RecommendNoSignificance]) != 1 {
		t.Errorf("recommendations = %+v", recs)
	}
}

func TestRecommend_NeedsMoreData(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	results := []experiment.Result{
		{VariantID: "control", MetricID: "m1", SampleSize: 150},
		{VariantID: "control", MetricID: "m2", SampleSize: 120},
		{VariantID: "b", MetricID: "m1", SampleSize: 200},
		{VariantID: "b", MetricID: "m2", SampleSize: 40},
	}
	recs := kinds(recommend(recExperiment(start), results, nil, start.Add(8*24*time.Hour)))

	more := recs[experiment.RecommendNeedsMoreData]
	if len(more) != 1 || more[0].VariantID != "b" {
		t.Fatalf("needs more data = %+v", more)
	}
	if !strings.Contains(more[0].Message, "40/100") {
		t.Errorf("message = %q", more[0].Message)
	}
}

func TestRecommend_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		days      int
		keepGoing bool
		stop      bool
	}{
		{0, true, false},
		{6, true, false},
		{7, false, false},
		{29, false, false},
		{30, false, true},
		{45, false, true},
	}
	for _, tt := range tests {
		now := start.Add(time.Duration(tt.days)*24*time.Hour + time.Minute)
		recs := kinds(recommend(recExperiment(start), nil, nil, now))
		if got := len(recs[experiment.RecommendContinueRunning]) == 1; got != tt.keepGoing {
			t.Errorf("day %d: continue = %v, want %v", tt.days, got, tt.keepGoing)
		}
		if got := len(recs[experiment.RecommendConsiderStopping]) == 1; got != tt.stop {
			t.Errorf("day %d: consider stopping = %v, want %v", tt.days, got, tt.stop)
		}
	}
}

func TestEarlyStop(t *testing.T) {
	exp := &experiment.Experiment{MinSampleSize: 50}
	highly := []experiment.Comparison{{Significance: experiment.HighlySignificant}}
	enough := []experiment.Result{{SampleSize: 60}, {SampleSize: 50}}
	short := []experiment.Result{{SampleSize: 60}, {SampleSize: 49}}

	if !earlyStop(exp, enough, highly) {
		t.Error("expected early stop")
	}
	if earlyStop(exp, short, highly) {
		t.Error("early stop despite a small sample")
	}
	if earlyStop(exp, enough, []experiment.Comparison{{Significance: experiment.Significant}}) {
		t.Error("early stop on a merely significant comparison")
	}
	if earlyStop(exp, nil, highly) {
		t.Error("early stop without results")
	}
}
