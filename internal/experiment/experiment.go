// Package experiment defines the entity model of the experimentation engine.
//
// An Experiment owns a fixed set of Variants (traffic arms) and Metrics.
// Users are bucketed into a variant once (Assignment), outcome Events are
// appended per user, and Results/Comparisons summarize the event log.
package experiment

import (
	"encoding/json"
	"time"
)

// Status tracks where an experiment is in its lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// Type tags what an experiment is testing.
type Type string

const (
	TypeTemplateComparison   Type = "template_comparison"
	TypeTimingOptimization   Type = "timing_optimization"
	TypeContentVariation     Type = "content_variation"
	TypeSubjectLineTest      Type = "subject_line_test"
	TypePlatformStrategy     Type = "platform_strategy"
	TypeFollowUpTiming       Type = "follow_up_timing"
	TypePersonalizationLevel Type = "personalization_level"
)

// Valid reports whether t is a known experiment type.
func (t Type) Valid() bool {
	switch t {
	case TypeTemplateComparison, TypeTimingOptimization, TypeContentVariation,
		TypeSubjectLineTest, TypePlatformStrategy, TypeFollowUpTiming, TypePersonalizationLevel:
		return true
	}
	return false
}

// MetricType selects how a metric is reduced from the event log.
type MetricType string

const (
	MetricConversionRate MetricType = "conversion_rate"
	MetricAverageValue   MetricType = "average_value"
	MetricCount          MetricType = "count"
)

// Valid reports whether m is a known metric type.
func (m MetricType) Valid() bool {
	switch m {
	case MetricConversionRate, MetricAverageValue, MetricCount:
		return true
	}
	return false
}

// Event types with built-in meaning for metric reduction.
const (
	EventConversion = "conversion"
	EventValue      = "value"
)

// Significance buckets a p-value.
type Significance string

const (
	NotSignificant        Significance = "not_significant"
	MarginallySignificant Significance = "marginal"
	Significant           Significance = "significant"
	HighlySignificant     Significance = "highly_significant"
)

// AboveNone reports whether s is stronger than NotSignificant.
func (s Significance) AboveNone() bool {
	switch s {
	case MarginallySignificant, Significant, HighlySignificant:
		return true
	}
	return false
}

// Variant is one treatment arm with a fixed traffic share.
type Variant struct {
	ID                   string         `json:"variant_id" yaml:"id"`
	Name                 string         `json:"name" yaml:"name"`
	Description          string         `json:"description" yaml:"description"`
	Configuration        map[string]any `json:"configuration,omitempty" yaml:"configuration"`
	AllocationPercentage float64        `json:"allocation_percentage" yaml:"allocation"`
	IsControl            bool           `json:"is_control" yaml:"control"`
}

// Metric is a measured outcome.
type Metric struct {
	ID          string     `json:"metric_id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Type        MetricType `json:"metric_type" yaml:"type"`
	IsPrimary   bool       `json:"is_primary" yaml:"primary"`
}

// Assignment maps a user to a variant for one experiment.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Event is an immutable outcome observation.
type Event struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	UserID       string          `json:"user_id"`
	VariantID    string          `json:"variant_id"`
	Type         string          `json:"event_type"`
	Data         json.RawMessage `json:"event_data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Result summarizes one metric for one variant.
type Result struct {
	VariantID          string   `json:"variant_id"`
	MetricID           string   `json:"metric_id"`
	SampleSize         int      `json:"sample_size"`
	Value              float64  `json:"value"`
	ConfidenceInterval Interval `json:"confidence_interval"`
	StandardError      float64  `json:"standard_error"`
}

// Comparison is a treatment-vs-control test on one metric.
// Winner is empty when the difference is not significant.
type Comparison struct {
	VariantAID      string       `json:"variant_a_id"`
	VariantBID      string       `json:"variant_b_id"`
	MetricID        string       `json:"metric_id"`
	Lift            float64      `json:"lift"`
	PValue          float64      `json:"p_value"`
	Significance    Significance `json:"significance"`
	ConfidenceLevel float64      `json:"confidence_level"`
	Winner          string       `json:"winner,omitempty"`
}

// Metadata keys written by the lifecycle.
const (
	MetaStopReason    = "stop_reason"
	MetaFailureReason = "failure_reason"
)

// Experiment is a controlled experiment over named variants.
type Experiment struct {
	ID              string         `json:"experiment_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Type            Type           `json:"experiment_type"`
	Variants        []Variant      `json:"variants"`
	Metrics         []Metric       `json:"metrics"`
	TargetUsers     map[string]any `json:"target_users,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartDate       time.Time      `json:"start_date"`
	EndDate         time.Time      `json:"end_date,omitempty"`
	Status          Status         `json:"status"`
	CreatedBy       string         `json:"created_by"`
	MinSampleSize   int            `json:"min_sample_size"`
	ConfidenceLevel float64        `json:"confidence_level"`
	MaxDurationDays int            `json:"max_duration_days"`
	Results         []Result       `json:"results,omitempty"`
	Comparisons     []Comparison   `json:"comparisons,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Control returns the control variant, falling back to the first variant.
// Returns nil for an experiment without variants.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	if len(e.Variants) > 0 {
		return &e.Variants[0]
	}
	return nil
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// DaysRunning returns the number of whole days elapsed since StartDate.
func (e *Experiment) DaysRunning(now time.Time) int {
	if e.StartDate.IsZero() || now.Before(e.StartDate) {
		return 0
	}
	return int(now.Sub(e.StartDate) / (24 * time.Hour))
}

// Clone returns a deep copy. Opaque payload maps are copied one level deep.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		v.Configuration = cloneMap(v.Configuration)
		cp.Variants[i] = v
	}
	cp.Metrics = append([]Metric(nil), e.Metrics...)
	cp.Results = append([]Result(nil), e.Results...)
	cp.Comparisons = append([]Comparison(nil), e.Comparisons...)
	cp.TargetUsers = cloneMap(e.TargetUsers)
	cp.Metadata = cloneMap(e.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
