package experiment

import (
	"errors"
	"fmt"
	"math"
)

// Creation defaults.
const (
	DefaultMinSampleSize   = 100
	DefaultConfidenceLevel = 0.95
	DefaultMaxDurationDays = 30

	// AllocationTolerance is the allowed drift of the allocation sum from 100.
	AllocationTolerance = 0.01
)

var (
	ErrInvalidAllocation = errors.New("variant allocations must sum to 100%")
	ErrNoVariants        = errors.New("experiment needs at least one variant")
	ErrMultipleControls  = errors.New("experiment has more than one control variant")
	ErrInvalidVariant    = errors.New("invalid variant")
	ErrInvalidMetric     = errors.New("invalid metric")
	ErrInvalidConfidence = errors.New("confidence level must be in (0, 1)")
	ErrInvalidType       = errors.New("unknown experiment type")
	ErrInvalidThreshold  = errors.New("sample size and duration must not be negative")
)

// Definition is the caller-supplied blueprint of an experiment.
// Zero numeric fields take the engine defaults.
type Definition struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Type            Type           `yaml:"type"`
	Variants        []Variant      `yaml:"variants"`
	Metrics         []Metric       `yaml:"metrics"`
	CreatedBy       string         `yaml:"created_by"`
	TargetUsers     map[string]any `yaml:"target_users"`
	MinSampleSize   int            `yaml:"min_sample_size"`
	ConfidenceLevel float64        `yaml:"confidence_level"`
	MaxDurationDays int            `yaml:"max_duration_days"`
}

// Validate checks the structural invariants of a definition. It never
// rewrites allocations: a non-conforming sum is always an error.
func (d Definition) Validate() error {
	if d.Type != "" && !d.Type.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidType, d.Type)
	}
	if len(d.Variants) == 0 {
		return ErrNoVariants
	}

	seen := make(map[string]bool, len(d.Variants))
	total := 0.0
	controls := 0
	for i, v := range d.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: variant %d has no id", ErrInvalidVariant, i)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidVariant, v.ID)
		}
		seen[v.ID] = true
		if v.AllocationPercentage < 0 || v.AllocationPercentage > 100 || math.IsNaN(v.AllocationPercentage) {
			return fmt.Errorf("%w: %q allocation %.2f out of range", ErrInvalidVariant, v.ID, v.AllocationPercentage)
		}
		if v.IsControl {
			controls++
		}
		total += v.AllocationPercentage
	}
	if math.Abs(total-100) > AllocationTolerance {
		return fmt.Errorf("%w, got %.4f", ErrInvalidAllocation, total)
	}
	if controls > 1 {
		return fmt.Errorf("%w (%d flagged)", ErrMultipleControls, controls)
	}

	metricIDs := make(map[string]bool, len(d.Metrics))
	for i, m := range d.Metrics {
		if m.ID == "" {
			return fmt.Errorf("%w: metric %d has no id", ErrInvalidMetric, i)
		}
		if metricIDs[m.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidMetric, m.ID)
		}
		metricIDs[m.ID] = true
		if !m.Type.Valid() {
			return fmt.Errorf("%w: %q has unknown type %q", ErrInvalidMetric, m.ID, m.Type)
		}
	}

	if d.ConfidenceLevel != 0 && !(d.ConfidenceLevel > 0 && d.ConfidenceLevel < 1) {
		return fmt.Errorf("%w, got %v", ErrInvalidConfidence, d.ConfidenceLevel)
	}
	if d.MinSampleSize < 0 {
		return fmt.Errorf("%w: min_sample_size %d", ErrInvalidThreshold, d.MinSampleSize)
	}
	if d.MaxDurationDays < 0 {
		return fmt.Errorf("%w: max_duration_days %d", ErrInvalidThreshold, d.MaxDurationDays)
	}
	return nil
}

// NormalizedVariants returns a copy of the definition's variants with exactly one
// control: the first variant is designated when none is flagged.
func (d Definition) NormalizedVariants() []Variant {
	out := make([]Variant, len(d.Variants))
	hasControl := false
	for i, v := range d.Variants {
		v.Configuration = cloneMap(v.Configuration)
		out[i] = v
		hasControl = hasControl || v.IsControl
	}
	if !hasControl && len(out) > 0 {
		out[0].IsControl = true
	}
	return out
}

// NormalizedType returns the definition's type, defaulting to content variation.
func (d Definition) NormalizedType() Type {
	if d.Type == "" {
		return TypeContentVariation
	}
	return d.Type
}
