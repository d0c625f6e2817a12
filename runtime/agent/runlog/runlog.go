// Package runlog provides an append-only log of the client events of runs.
//
// The log lets late subscribers and operators replay what a client saw. It is
// an observation record only: runs are never resumed from it.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/stream"
)

type (
	// Event is a single immutable client event appended to the run log.
	//
	// Store implementations assign the ID when persisting the event. IDs are
	// opaque, ordered within a run, and suitable for cursor-based pagination.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// RunID is the identifier of the run this event belongs to.
		RunID string
		// Type is the client event name.
		Type stream.EventType
		// Payload is the JSON-encoded event payload.
		Payload json.RawMessage
		// Timestamp is the time the event was recorded.
		Timestamp time.Time
	}

	// Page is a forward page of run events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is the cursor to use to fetch the next page. It is
		// empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within a run. Cursor values
	// are store-owned and opaque to callers.
	Store interface {
		// Append stores the event and sets its ID.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events for the given run ID.
		// Cursor is a value returned by a previous call to List, or empty to
		// start from the beginning. Limit must be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Sink is a stream.Sink appending every event it receives to a Store.
	Sink struct {
		store Store
		now   func() time.Time
	}
)

// NewSink returns a Sink recording events in store.
func NewSink(store Store) *Sink {
	return &Sink{store: store, now: time.Now}
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type(), err)
	}
	return s.store.Append(ctx, &Event{
		RunID:     event.RunID(),
		Type:      event.Type(),
		Payload:   payload,
		Timestamp: s.now().UTC(),
	})
}

// Close implements stream.Sink. The store outlives the sink and is not closed.
func (s *Sink) Close(context.Context) error {
	return nil
}
