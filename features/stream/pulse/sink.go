// Package pulse publishes the client events of runs to goa.design/pulse
// streams and consumes them back. Each run gets its own stream, named after
// the run ID, so any process sharing the Redis instance can follow a run
// started elsewhere.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewflow/crewflow/features/stream/pulse/clients/pulse"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// Prefix is prepended to run IDs to name streams. Defaults to
		// DefaultPrefix.
		Prefix string
		// StreamID overrides the derivation of the stream name from an event.
		StreamID func(stream.Event) (string, error)
		// OnPublished is called after each successful publish. An error
		// returned by the callback is returned by Send.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an event written to a Pulse stream.
	PublishedEvent struct {
		// Event is the published client event.
		Event stream.Event
		// StreamID is the name of the stream the event was written to.
		StreamID string
		// EntryID is the Redis entry ID of the event.
		EntryID string
	}

	// Sink publishes client events into Pulse streams. Safe for concurrent
	// use by the translators of concurrent runs.
	Sink struct {
		client      pulse.Client
		streamID    func(stream.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
		now         func() time.Time
	}

	// envelope is the JSON document stored in each stream entry.
	envelope struct {
		// Type is the client event name (e.g. "message").
		Type string `json:"type"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload is the event data.
		Payload any `json:"payload,omitempty"`
	}
)

// DefaultPrefix is the default prefix of run stream names.
const DefaultPrefix = "crewflow/run/"

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = prefixStreamID(opts.Prefix)
	}
	return &Sink{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
		now:         time.Now,
	}, nil
}

// Send publishes the event to the stream of its run.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		Timestamp: s.now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	id, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: id})
	}
	return nil
}

// Close closes the underlying Pulse client. The sink is shared by every run
// of a process and must only be closed on shutdown.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// StreamName returns the stream name of runID under prefix.
func StreamName(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + runID
}

func prefixStreamID(prefix string) func(stream.Event) (string, error) {
	return func(event stream.Event) (string, error) {
		if event.RunID() == "" {
			return "", errors.New("stream event missing run id")
		}
		return StreamName(prefix, event.RunID()), nil
	}
}
