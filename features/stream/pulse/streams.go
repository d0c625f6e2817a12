package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/crewflow/crewflow/features/stream/pulse/clients/pulse"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

type (
	// Streams bundles the publishing sink and the subscribers of a process
	// around one Pulse client. Pass Sink to runtime.WithSink and use
	// NewSubscriber to follow runs, for example from the HTTP server.
	Streams struct {
		sink   *Sink
		client clientspulse.Client
		prefix string
	}

	// StreamsOptions configures Streams.
	StreamsOptions struct {
		// Client is the Pulse client used for publishing and subscribing.
		// Required.
		Client clientspulse.Client
		// Prefix names run streams. Defaults to DefaultPrefix.
		Prefix string
		// OnPublished is forwarded to the sink.
		OnPublished func(context.Context, PublishedEvent) error
	}
)

// NewStreams returns Streams publishing and subscribing through opts.Client.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sink, err := NewSink(Options{
		Client:      opts.Client,
		Prefix:      opts.Prefix,
		OnPublished: opts.OnPublished,
	})
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client, prefix: opts.Prefix}, nil
}

// Sink returns the publishing sink.
func (s *Streams) Sink() stream.Sink {
	return s.sink
}

// NewSubscriber returns a subscriber sharing the client and stream prefix.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	opts.Prefix = s.prefix
	return NewSubscriber(opts)
}

// Destroy deletes the stream of runID.
func (s *Streams) Destroy(ctx context.Context, runID string) error {
	str, err := s.client.Stream(StreamName(s.prefix, runID))
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}

// Close closes the publishing sink and the client. Call it on shutdown
// after every subscriber has been canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
