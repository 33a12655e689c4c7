// Package storage persists experiments, assignments and the event log.
//
// The Repository interface is the primary abstraction. MemoryStore keeps
// everything in process (tests, embedded use); SQLiteStore is the durable
// implementation using pure-Go SQLite (modernc.org/sqlite).
//
// Implementations return copies: mutating a returned experiment never
// changes stored state until it is saved again.
package storage

import (
	"context"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
)

// EventFilter narrows an event scan. Empty fields match everything.
type EventFilter struct {
	VariantID string
	Type      string
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev experiment.Event) bool {
	if f.VariantID != "" && ev.VariantID != f.VariantID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	return true
}

// Repository is the persistence contract of the engine.
type Repository interface {
	// SaveExperiment upserts an experiment.
	SaveExperiment(ctx context.Context, exp *experiment.Experiment) error

	// GetExperiment returns an experiment by id. Returns nil if not found.
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)

	// ListExperiments returns all experiments ordered by creation time.
	ListExperiments(ctx context.Context) ([]*experiment.Experiment, error)

	// GetAssignment returns the memoized variant of a user.
	GetAssignment(ctx context.Context, experimentID, userID string) (string, bool, error)

	// SaveAssignment stores an assignment unless one already exists and
	// returns the assignment that is stored afterwards (first write wins).
	SaveAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, error)

	// AppendEvent appends to an experiment's event log.
	AppendEvent(ctx context.Context, ev experiment.Event) error

	// Events returns matching events in insertion order.
	Events(ctx context.Context, experimentID string, filter EventFilter) ([]experiment.Event, error)

	// PruneEvents removes events older than olderThan (zero disables) and
	// then all but the newest keepLast events (zero disables). Returns the
	// number of removed events.
	PruneEvents(ctx context.Context, experimentID string, olderThan time.Time, keepLast int) (int, error)

	// Close shuts down the repository.
	Close() error
}
