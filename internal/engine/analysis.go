package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/overhuman/abengine/internal/collector"
	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/stats"
)

// minRunningDays is how long an experiment should run before its results
// are trusted.
const minRunningDays = 7

// GetExperimentResults computes a point-in-time report. Returns nil for an
// unknown experiment; otherwise the slices are never nil, even before any
// event was recorded.
func (e *Engine) GetExperimentResults(ctx context.Context, id string) *experiment.Report {
	exp := e.GetExperiment(ctx, id)
	if exp == nil {
		return nil
	}
	now := e.clock.Now()
	report := &experiment.Report{
		Experiment:      exp,
		Results:         []experiment.Result{},
		Comparisons:     []experiment.Comparison{},
		Recommendations: []experiment.Recommendation{},
		GeneratedAt:     now,
	}

	results, comparisons, err := e.analyze(ctx, exp)
	if err != nil {
		e.log.Error("analysis failed", "experiment_id", id, "error", err)
		return report
	}
	if results != nil {
		report.Results = results
	}
	if comparisons != nil {
		report.Comparisons = comparisons
	}
	report.Recommendations = recommend(exp, report.Results, report.Comparisons, now)
	return report
}

// analyze computes results for every (variant, metric) pair with data and
// compares each treatment against control.
func (e *Engine) analyze(ctx context.Context, exp *experiment.Experiment) ([]experiment.Result, []experiment.Comparison, error) {
	start := time.Now()
	defer func() { e.metrics.AnalysisDuration.Observe(time.Since(start).Seconds()) }()

	level := exp.ConfidenceLevel
	if !(level > 0 && level < 1) {
		level = experiment.DefaultConfidenceLevel
	}

	// observations[variant][metric]
	observations := make(map[string]map[string][]float64, len(exp.Variants))
	var results []experiment.Result
	for _, v := range exp.Variants {
		events, err := e.collector.Events(ctx, exp.ID, v.ID, "")
		if err != nil {
			return nil, nil, err
		}
		observations[v.ID] = make(map[string][]float64, len(exp.Metrics))
		for _, m := range exp.Metrics {
			value, n := collector.Reduce(events, m)
			if n == 0 {
				continue
			}
			obs := collector.Observations(events, m)
			observations[v.ID][m.ID] = obs
			lower, upper := stats.ConfidenceInterval(obs, level)
			results = append(results, experiment.Result{
				VariantID:          v.ID,
				MetricID:           m.ID,
				SampleSize:         n,
				Value:              value,
				ConfidenceInterval: experiment.Interval{Lower: lower, Upper: upper},
				StandardError:      stats.StandardError(obs),
			})
		}
	}

	control := exp.Control()
	if control == nil {
		return results, nil, nil
	}
	var comparisons []experiment.Comparison
	for _, v := range exp.Variants {
		if v.ID == control.ID {
			continue
		}
		for _, m := range exp.Metrics {
			a := observations[control.ID][m.ID]
			b := observations[v.ID][m.ID]
			if len(a) < stats.MinComparisonObservations || len(b) < stats.MinComparisonObservations {
				continue
			}
			cmp, ok := stats.CompareVariants(a, b, level)
			if !ok {
				continue
			}
			c := experiment.Comparison{
				VariantAID:      control.ID,
				VariantBID:      v.ID,
				MetricID:        m.ID,
				Lift:            cmp.Lift,
				PValue:          cmp.PValue,
				Significance:    cmp.Significance,
				ConfidenceLevel: level,
			}
			switch cmp.Winner {
			case stats.ControlWins:
				c.Winner = control.ID
			case stats.TreatmentWins:
				c.Winner = v.ID
			}
			comparisons = append(comparisons, c)
		}
	}
	return results, comparisons, nil
}

// recommend turns results into actionable notes.
func recommend(exp *experiment.Experiment, results []experiment.Result, comparisons []experiment.Comparison, now time.Time) []experiment.Recommendation {
	recs := []experiment.Recommendation{}

	var best *experiment.Comparison
	for i := range comparisons {
		c := &comparisons[i]
		if c.Significance != experiment.Significant && c.Significance != experiment.HighlySignificant {
			continue
		}
		if best == nil || c.Lift > best.Lift {
			best = c
		}
	}
	if best != nil {
		recs = append(recs, experiment.Recommendation{
			Kind:      experiment.RecommendSignificantWinner,
			VariantID: best.VariantBID,
			Message: fmt.Sprintf("Variant %s shows statistically significant improvement of %.1f%% (p=%.4f)",
				best.VariantBID, best.Lift, best.PValue),
		})
	} else {
		recs = append(recs, experiment.Recommendation{
			Kind:    experiment.RecommendNoSignificance,
			Message: "No statistically significant differences detected yet",
		})
	}

	for _, v := range exp.Variants {
		smallest, found := 0, false
		for _, r := range results {
			if r.VariantID != v.ID {
				continue
			}
			if !found || r.SampleSize < smallest {
				smallest, found = r.SampleSize, true
			}
		}
		if found && smallest < exp.MinSampleSize {
			recs = append(recs, experiment.Recommendation{
				Kind:      experiment.RecommendNeedsMoreData,
				VariantID: v.ID,
				Message:   fmt.Sprintf("Variant %s needs more data (%d/%d samples)", v.ID, smallest, exp.MinSampleSize),
			})
		}
	}

	days := exp.DaysRunning(now)
	switch {
	case days < minRunningDays:
		recs = append(recs, experiment.Recommendation{
			Kind:    experiment.RecommendContinueRunning,
			Message: "Experiment should run for at least 1 week for reliable results",
		})
	case exp.MaxDurationDays > 0 && days >= exp.MaxDurationDays:
		recs = append(recs, experiment.Recommendation{
			Kind:    experiment.RecommendConsiderStopping,
			Message: "Experiment has reached maximum duration - consider stopping",
		})
	}
	return recs
}
