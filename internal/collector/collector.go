// Package collector appends outcome events and reduces them to metric values.
package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/storage"
)

// ValueField is the payload field read by average_value metrics.
const ValueField = "value"

// RetentionPolicy bounds an experiment's event log. Zero disables a window.
type RetentionPolicy struct {
	MaxAge    time.Duration
	MaxEvents int
}

// Enabled reports whether any window is set.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxEvents > 0
}

// Collector records events through a repository.
type Collector struct {
	repo      storage.Repository
	now       func() time.Time
	retention RetentionPolicy
}

// New creates a Collector. now defaults to time.Now.
func New(repo storage.Repository, now func() time.Time, retention RetentionPolicy) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{repo: repo, now: now, retention: retention}
}

// Record appends ev, filling in a missing id and timestamp. Events are
// never deduplicated.
func (c *Collector) Record(ctx context.Context, ev experiment.Event) (experiment.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	if err := c.repo.AppendEvent(ctx, ev); err != nil {
		return ev, fmt.Errorf("record event: %w", err)
	}
	return ev, nil
}

// Events returns an experiment's events. Empty variantID or eventType
// match everything.
func (c *Collector) Events(ctx context.Context, experimentID, variantID, eventType string) ([]experiment.Event, error) {
	events, err := c.repo.Events(ctx, experimentID, storage.EventFilter{VariantID: variantID, Type: eventType})
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", experimentID, err)
	}
	return events, nil
}

// MetricValue reduces a variant's events for one metric.
func (c *Collector) MetricValue(ctx context.Context, experimentID, variantID string, m experiment.Metric) (float64, int, error) {
	events, err := c.Events(ctx, experimentID, variantID, "")
	if err != nil {
		return 0, 0, err
	}
	value, n := Reduce(events, m)
	return value, n, nil
}

// Observations returns the per-observation data behind a metric value.
func (c *Collector) Observations(ctx context.Context, experimentID, variantID string, m experiment.Metric) ([]float64, error) {
	events, err := c.Events(ctx, experimentID, variantID, "")
	if err != nil {
		return nil, err
	}
	return Observations(events, m), nil
}

// Enforce applies the retention policy to one experiment.
func (c *Collector) Enforce(ctx context.Context, experimentID string) (int, error) {
	if !c.retention.Enabled() {
		return 0, nil
	}
	var cutoff time.Time
	if c.retention.MaxAge > 0 {
		cutoff = c.now().Add(-c.retention.MaxAge)
	}
	removed, err := c.repo.PruneEvents(ctx, experimentID, cutoff, c.retention.MaxEvents)
	if err != nil {
		return removed, fmt.Errorf("prune events for %s: %w", experimentID, err)
	}
	return removed, nil
}

// Reduce computes a metric's value and sample size from one variant's events.
//
//   - conversion_rate: conversion events over distinct users with any event;
//     n is the distinct-user count.
//   - average_value: mean of the numeric "value" field of value events;
//     n is the number of such events.
//   - count: events typed as the metric id; n is the total event count.
//
// Unknown metric types yield (0, 0).
func Reduce(events []experiment.Event, m experiment.Metric) (float64, int) {
	switch m.Type {
	case experiment.MetricConversionRate:
		users := distinctUsers(events)
		if len(users) == 0 {
			return 0, 0
		}
		conversions := 0
		for _, ev := range events {
			if ev.Type == experiment.EventConversion {
				conversions++
			}
		}
		return float64(conversions) / float64(len(users)), len(users)

	case experiment.MetricAverageValue:
		values := numericValues(events)
		if len(values) == 0 {
			return 0, 0
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), len(values)

	case experiment.MetricCount:
		matched := 0
		for _, ev := range events {
			if ev.Type == m.ID {
				matched++
			}
		}
		return float64(matched), len(events)
	}
	return 0, 0
}

// Observations returns the raw samples used for intervals and tests:
// per-user 0/1 conversion flags, value fields, or per-user event counts.
func Observations(events []experiment.Event, m experiment.Metric) []float64 {
	switch m.Type {
	case experiment.MetricConversionRate:
		users := distinctUsers(events)
		converted := make(map[string]bool, len(users))
		for _, ev := range events {
			if ev.Type == experiment.EventConversion {
				converted[ev.UserID] = true
			}
		}
		out := make([]float64, len(users))
		for i, u := range users {
			if converted[u] {
				out[i] = 1
			}
		}
		return out

	case experiment.MetricAverageValue:
		return numericValues(events)

	case experiment.MetricCount:
		users := distinctUsers(events)
		perUser := make(map[string]int, len(users))
		for _, ev := range events {
			if ev.Type == m.ID {
				perUser[ev.UserID]++
			}
		}
		out := make([]float64, len(users))
		for i, u := range users {
			out[i] = float64(perUser[u])
		}
		return out
	}
	return nil
}

// distinctUsers returns user ids in order of first appearance.
func distinctUsers(events []experiment.Event) []string {
	seen := make(map[string]bool)
	var users []string
	for _, ev := range events {
		if !seen[ev.UserID] {
			seen[ev.UserID] = true
			users = append(users, ev.UserID)
		}
	}
	return users
}

func numericValues(events []experiment.Event) []float64 {
	var values []float64
	for _, ev := range events {
		if ev.Type != experiment.EventValue {
			continue
		}
		if v, ok := payloadValue(ev.Data); ok {
			values = append(values, v)
		}
	}
	return values
}

// payloadValue returns the finite numeric value field of a payload.
func payloadValue(data []byte) (float64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	r := gjson.GetBytes(data, ValueField)
	if r.Type != gjson.Number {
		return 0, false
	}
	v := r.Float()
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// ValidPayload reports whether a payload can be stored. A numeric value
// field must be finite; non-numeric or missing value fields are accepted
// and ignored by average_value metrics.
func ValidPayload(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	r := gjson.GetBytes(data, ValueField)
	if r.Type != gjson.Number {
		return true
	}
	_, ok := payloadValue(data)
	return ok
}
