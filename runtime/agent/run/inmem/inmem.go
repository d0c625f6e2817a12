// Package inmem provides an in-memory implementation of run.Store. Records live
// in a map keyed by run ID and do not survive process restarts.
package inmem

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/run"
)

// Store implements run.Store in memory. It is safe for concurrent use and
// copies labels on read and write.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert inserts or replaces the record keyed by r.RunID. A zero StartedAt
// keeps the original start time of an existing record, UpdatedAt defaults to
// now.
func (s *Store) Upsert(_ context.Context, r run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.RunID]; ok && r.StartedAt.IsZero() {
		r.StartedAt = existing.StartedAt
	} else if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r.Labels = maps.Clone(r.Labels)
	s.records[r.RunID] = r
	return nil
}

// Load returns the record for runID, or a zero record when the run is unknown.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return run.Record{}, nil
	}
	r.Labels = maps.Clone(r.Labels)
	return r, nil
}

// Reset clears all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Record)
}
