// Package inmem provides an in-memory runlog.Store for tests and local runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/crewflow/crewflow/runtime/agent/runlog"
)

type (
	// Store implements runlog.Store in memory.
	Store struct {
		mu      sync.Mutex
		nextSeq map[string]int64
		events  map[string][]*runlog.Event
	}
)

var errRunIDRequired = errors.New("run_id is required")

// New returns a new in-memory run log store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]int64),
		events:  make(map[string][]*runlog.Event),
	}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.RunID == "" {
		return errRunIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[e.RunID] + 1
	s.nextSeq[e.RunID] = seq

	e.ID = strconv.FormatInt(seq, 10)
	ev := *e
	s.events[e.RunID] = append(s.events[e.RunID], &ev)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errRunIDRequired
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		if id < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[runID]
	// IDs are 1-based sequence numbers, so the page starts at index == after.
	start := int(after)
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))

	events := append([]*runlog.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = events[len(events)-1].ID
	}

	return runlog.Page{
		Events:     events,
		NextCursor: next,
	}, nil
}
