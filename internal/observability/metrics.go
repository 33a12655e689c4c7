package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "abengine"

// Label values for monitor outcomes and dropped events.
const (
	OutcomeHealthy     = "healthy"
	OutcomeStopped     = "stopped"
	OutcomeError       = "error"
	OutcomeRaceLost    = "race_lost"
	DropNotActive      = "not_active"
	DropNotAssigned    = "not_assigned"
	DropStorageFailure = "storage_failure"
	DropInvalidPayload = "invalid_payload"
)

// EventTypeOther is the event_type label for caller-defined event types.
const EventTypeOther = "other"

// EventTypeLabel maps an event type onto the bounded event_type label set.
func EventTypeLabel(eventType string) string {
	switch eventType {
	case "conversion", "value":
		return eventType
	}
	return EventTypeOther
}

// ForgetExperiment drops the per-experiment series of a finished experiment.
func (m *Metrics) ForgetExperiment(experimentID string) {
	m.Assignments.DeletePartialMatch(prometheus.Labels{"experiment_id": experimentID})
}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	ExperimentsCreated prometheus.Counter
	Transitions        *prometheus.CounterVec // labels: status
	Stops              *prometheus.CounterVec // labels: reason
	Assignments        *prometheus.CounterVec // labels: experiment_id, variant_id; active experiments only
	EventsRecorded     *prometheus.CounterVec // labels: event_type
	EventsDropped      *prometheus.CounterVec // labels: reason
	EventsPruned       prometheus.Counter
	MonitorChecks      *prometheus.CounterVec // labels: outcome
	MonitorPasses      prometheus.Counter
	AnalysisDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExperimentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_created_total",
			Help:      "Experiments successfully created.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_transitions_total",
			Help:      "Lifecycle transitions by target status.",
		}, []string{"status"}),
		Stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_stops_total",
			Help:      "Experiments stopped, by reason.",
		}, []string{"reason"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "New user-to-variant assignments.",
		}, []string{"experiment_id", "variant_id"}),
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Outcome events appended to the log.",
		}, []string{"event_type"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outcome events ignored, by reason.",
		}, []string{"reason"}),
		EventsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pruned_total",
			Help:      "Events removed by the retention policy.",
		}),
		MonitorChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_checks_total",
			Help:      "Health checks by outcome.",
		}, []string{"outcome"}),
		MonitorPasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_passes_total",
			Help:      "Completed monitor passes over active experiments.",
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent computing experiment results.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}
