package engine

import (
	"context"
	"encoding/json"

	"github.com/overhuman/abengine/internal/collector"
	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/observability"
)

// GetUserVariant returns the user's variant of an ACTIVE experiment,
// assigning one on first use. ok is false for unknown or inactive
// experiments and for users outside the target audience.
func (e *Engine) GetUserVariant(ctx context.Context, userID, experimentID string) (variant *experiment.Variant, ok bool) {
	exp := e.GetExperiment(ctx, experimentID)
	if exp == nil || exp.Status != experiment.StatusActive {
		return nil, false
	}
	if !e.targeter.Match(ctx, exp, userID) {
		return nil, false
	}

	id, fresh := e.assigner.Assign(ctx, exp, userID)
	v := exp.Variant(id)
	if v == nil {
		return nil, false
	}
	if fresh {
		e.metrics.Assignments.WithLabelValues(exp.ID, id).Inc()
		e.log.Debug("user assigned", "experiment_id", exp.ID, "user_id", userID, "variant_id", id)
	}
	return v, true
}

// AssignedVariant returns an existing assignment without creating one.
func (e *Engine) AssignedVariant(ctx context.Context, userID, experimentID string) (string, bool) {
	return e.assigner.Lookup(ctx, experimentID, userID)
}

// RecordEvent appends an outcome event for an assigned user of an ACTIVE
// experiment. Anything else is silently ignored and reported as false.
func (e *Engine) RecordEvent(ctx context.Context, experimentID, userID, eventType string, data map[string]any) bool {
	exp := e.GetExperiment(ctx, experimentID)
	if exp == nil || exp.Status != experiment.StatusActive {
		e.metrics.EventsDropped.WithLabelValues(observability.DropNotActive).Inc()
		return false
	}
	variantID, ok := e.assigner.Lookup(ctx, experimentID, userID)
	if !ok {
		e.metrics.EventsDropped.WithLabelValues(observability.DropNotAssigned).Inc()
		return false
	}

	var payload json.RawMessage
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			e.log.Warn("event payload not encodable", "experiment_id", experimentID, "event_type", eventType, "error", err)
			e.metrics.EventsDropped.WithLabelValues(observability.DropInvalidPayload).Inc()
			return false
		}
		payload = b
	}
	if !collector.ValidPayload(payload) {
		e.log.Warn("event value not finite", "experiment_id", experimentID, "event_type", eventType)
		e.metrics.EventsDropped.WithLabelValues(observability.DropInvalidPayload).Inc()
		return false
	}

	_, err := e.collector.Record(ctx, experiment.Event{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    variantID,
		Type:         eventType,
		Data:         payload,
	})
	if err != nil {
		e.log.Error("record event failed", "experiment_id", experimentID, "error", err)
		e.metrics.EventsDropped.WithLabelValues(observability.DropStorageFailure).Inc()
		return false
	}
	e.metrics.EventsRecorded.WithLabelValues(observability.EventTypeLabel(eventType)).Inc()
	return true
}

// GetExperimentEvents returns an experiment's events. Empty variantID or
// eventType match everything.
func (e *Engine) GetExperimentEvents(ctx context.Context, experimentID, variantID, eventType string) []experiment.Event {
	events, err := e.collector.Events(ctx, experimentID, variantID, eventType)
	if err != nil {
		e.log.Error("load events failed", "experiment_id", experimentID, "error", err)
		return []experiment.Event{}
	}
	if events == nil {
		return []experiment.Event{}
	}
	return events
}
