package experiment

import "time"

// RecommendationKind classifies a recommendation.
type RecommendationKind string

const (
	RecommendSignificantWinner RecommendationKind = "significant_winner"
	RecommendNoSignificance    RecommendationKind = "no_significant_difference"
	RecommendNeedsMoreData     RecommendationKind = "needs_more_data"
	RecommendContinueRunning   RecommendationKind = "continue_running"
	RecommendConsiderStopping  RecommendationKind = "consider_stopping"
)

// Recommendation is an actionable note derived from current results.
type Recommendation struct {
	Kind      RecommendationKind `json:"kind"`
	VariantID string             `json:"variant_id,omitempty"`
	Message   string             `json:"message"`
}

// Report is a point-in-time analysis of one experiment.
type Report struct {
	Experiment      *Experiment      `json:"experiment"`
	Results         []Result         `json:"results"`
	Comparisons     []Comparison     `json:"comparisons"`
	Recommendations []Recommendation `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Summary aggregates the registry.
type Summary struct {
	TotalExperiments     int       `json:"total_experiments"`
	ActiveExperiments    int       `json:"active_experiments"`
	CompletedExperiments int       `json:"completed_experiments"`
	ExperimentTypes      []Type    `json:"experiment_types"`
	LastExperimentDate   time.Time `json:"last_experiment_date,omitempty"`
}
