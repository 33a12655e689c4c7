package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
)

// MemoryStore implements Repository in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
	assignments map[string]map[string]experiment.Assignment // experiment -> user -> assignment
	events      map[string][]experiment.Event
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*experiment.Experiment),
		assignments: make(map[string]map[string]experiment.Assignment),
		events:      make(map[string][]experiment.Event),
	}
}

func (s *MemoryStore) SaveExperiment(_ context.Context, exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[exp.ID] = exp.Clone()
	return nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.experiments[id].Clone(), nil
}

func (s *MemoryStore) ListExperiments(_ context.Context) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*experiment.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		out = append(out, exp.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, experimentID, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[experimentID][userID]
	return a.VariantID, ok, nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, a experiment.Assignment) (experiment.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.assignments[a.ExperimentID]
	if !ok {
		users = make(map[string]experiment.Assignment)
		s.assignments[a.ExperimentID] = users
	}
	if existing, ok := users[a.UserID]; ok {
		return existing, nil
	}
	users[a.UserID] = a
	return a, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev experiment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ExperimentID] = append(s.events[ev.ExperimentID], ev)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, experimentID string, filter EventFilter) ([]experiment.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []experiment.Event
	for _, ev := range s.events[experimentID] {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneEvents(_ context.Context, experimentID string, olderThan time.Time, keepLast int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[experimentID]
	before := len(events)

	if !olderThan.IsZero() {
		kept := events[:0:0]
		for _, ev := range events {
			if !ev.Timestamp.Before(olderThan) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if keepLast > 0 && len(events) > keepLast {
		events = append([]experiment.Event(nil), events[len(events)-keepLast:]...)
	}

	s.events[experimentID] = events
	return before - len(events), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
