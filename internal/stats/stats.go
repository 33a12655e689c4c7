// Package stats implements the statistical analysis behind experiment
// results: Student-t confidence intervals, Welch's two-sample t-test and
// two-proportion sample-size planning.
//
// All functions are stateless and safe for concurrent use. None of them
// return errors: too little data yields degenerate values (or ok=false)
// so callers can always render a report.
package stats

import (
	"math"

	"github.com/overhuman/abengine/internal/experiment"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// MinObservations is the smallest sample that has an estimable variance.
	MinObservations = 2

	// MinComparisonObservations gates treatment-vs-control comparisons
	// during aggregation. Stricter than MinObservations to suppress noisy
	// early results.
	MinComparisonObservations = 10

	// MinRequiredSampleSize is the floor of RequiredSampleSize.
	MinRequiredSampleSize = 50

	DefaultPower = 0.8
	DefaultAlpha = 0.05
)

// Significance thresholds on the two-tailed p-value (inclusive).
const (
	HighlySignificantP     = 0.001
	SignificantP           = 0.01
	MarginallySignificantP = 0.05
)

// ConfidenceInterval returns the two-sided Student-t interval around the
// sample mean. Fewer than two observations yield (0, 0).
func ConfidenceInterval(data []float64, level float64) (lower, upper float64) {
	n := len(data)
	if n < MinObservations {
		return 0, 0
	}
	mean, variance := stat.MeanVariance(data, nil)
	sem := math.Sqrt(variance / float64(n))
	if sem == 0 || math.IsNaN(sem) {
		return mean, mean
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile((1 + level) / 2)
	h := sem * t
	return mean - h, mean + h
}

// StandardError returns the standard error of the mean (sample standard
// deviation over sqrt(n)); zero for fewer than two observations.
func StandardError(data []float64) float64 {
	n := len(data)
	if n < MinObservations {
		return 0
	}
	return stat.StdErr(stat.StdDev(data, nil), float64(n))
}

// Mean returns the arithmetic mean, zero for empty data.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// ClassifySignificance maps a p-value to a significance bucket.
func ClassifySignificance(p float64) experiment.Significance {
	switch {
	case p <= HighlySignificantP:
		return experiment.HighlySignificant
	case p <= SignificantP:
		return experiment.Significant
	case p <= MarginallySignificantP:
		return experiment.MarginallySignificant
	default:
		return experiment.NotSignificant
	}
}

// Side names the winning sample of a comparison.
type Side int

const (
	NoWinner Side = iota
	ControlWins
	TreatmentWins
)

// VariantComparison is the outcome of CompareVariants.
type VariantComparison struct {
	ControlMean      float64
	TreatmentMean    float64
	TStatistic       float64
	DegreesOfFreedom float64
	Lift             float64 // percent change of treatment over control
	PValue           float64
	Significance     experiment.Significance
	ConfidenceLevel  float64
	Winner           Side
}

// CompareVariants runs Welch's unequal-variance t-test of treatment against
// control. It reports ok=false when either side has fewer than two
// observations.
func CompareVariants(control, treatment []float64, level float64) (VariantComparison, bool) {
	if len(control) < MinObservations || len(treatment) < MinObservations {
		return VariantComparison{}, false
	}

	meanA, varA := stat.MeanVariance(control, nil)
	meanB, varB := stat.MeanVariance(treatment, nil)
	nA, nB := float64(len(control)), float64(len(treatment))

	c := VariantComparison{
		ControlMean:     meanA,
		TreatmentMean:   meanB,
		ConfidenceLevel: level,
		PValue:          1,
	}
	if meanA != 0 {
		c.Lift = (meanB - meanA) / meanA * 100
	}

	sa, sb := varA/nA, varB/nB
	se := math.Sqrt(sa + sb)
	switch {
	case se == 0 && meanA == meanB:
		c.PValue = 1
	case se == 0:
		c.PValue = 0
		c.TStatistic = math.Copysign(math.Inf(1), meanB-meanA)
	default:
		c.TStatistic = (meanB - meanA) / se
		c.DegreesOfFreedom = (sa + sb) * (sa + sb) / (sa*sa/(nA-1) + sb*sb/(nB-1))
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: c.DegreesOfFreedom}
		c.PValue = 2 * (1 - dist.CDF(math.Abs(c.TStatistic)))
	}
	c.PValue = math.Min(1, math.Max(0, c.PValue))

	c.Significance = ClassifySignificance(c.PValue)
	if c.Significance.AboveNone() {
		if meanB > meanA {
			c.Winner = TreatmentWins
		} else {
			c.Winner = ControlWins
		}
	}
	return c, true
}

// RequiredSampleSize returns the per-variant sample size needed to detect a
// relative change of minimumEffect on a baseline conversion rate, using the
// pooled two-proportion power formula. The result is never below 50.
// Out-of-range power or alpha fall back to 0.8 and 0.05.
func RequiredSampleSize(baselineRate, minimumEffect, power, alpha float64) int {
	if power <= 0 || power >= 1 {
		power = DefaultPower
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}

	p1 := clampRate(baselineRate)
	p2 := clampRate(baselineRate * (1 + minimumEffect))
	if p1 == p2 {
		return math.MaxInt32
	}

	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	zBeta := distuv.UnitNormal.Quantile(power)

	pooled := (p1 + p2) / 2
	root := zAlpha*math.Sqrt(2*pooled*(1-pooled)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := math.Ceil(root * root / ((p2 - p1) * (p2 - p1)))
	if math.IsNaN(n) || n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < MinRequiredSampleSize {
		return MinRequiredSampleSize
	}
	return int(n)
}

func clampRate(p float64) float64 {
	const eps = 1e-6
	return math.Min(1-eps, math.Max(eps, p))
}
