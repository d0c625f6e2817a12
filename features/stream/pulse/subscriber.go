package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/crewflow/crewflow/features/stream/pulse/clients/pulse"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

type (
	// EnvelopeDecoder converts a stream entry payload into a client event.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Prefix is the stream name prefix used by the publishing sink.
		// Defaults to DefaultPrefix.
		Prefix string
		// SinkName names the Pulse consumer group. Defaults to
		// "crewflow_subscriber".
		SinkName string
		// Buffer is the capacity of the event channel. Defaults to 64.
		Buffer int
		// Decoder decodes entry payloads. Defaults to the JSON envelope
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber follows the Pulse stream of a run and yields its client
	// events. Decoded events carry their payload as json.RawMessage.
	Subscriber struct {
		client clientspulse.Client
		prefix string
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "crewflow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		prefix: opts.Prefix,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the stream of runID. Events are
// delivered on the returned channel until the stream ends, a decoding or ack
// error occurs (reported on the error channel) or cancel is called. Both
// channels are closed when consumption stops.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, runID)
//	defer cancel()
//	for evt := range events {
//	    // forward evt
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	runID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(StreamName(s.prefix, runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

// consume forwards decoded entries to out and acks them once delivered.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// decodeEnvelope decodes the envelope written by Sink.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type    string          `json:"type"`
		RunID   string          `json:"run_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("envelope missing event type")
	}
	return stream.NewBase(stream.EventType(env.Type), env.RunID, env.Payload), nil
}
