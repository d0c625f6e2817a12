package stream

import (
	"context"
	"errors"
	"sync"
)

type (
	// ChannelSink delivers events to an in-process channel. Send blocks until
	// the receiver takes the event or ctx is done.
	ChannelSink struct {
		ch     chan Event
		mu     sync.RWMutex
		closed bool
		once   sync.Once
	}

	// MultiSink fans events out to several sinks in order, stopping at the
	// first error.
	MultiSink []Sink
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("stream sink closed")

// NewChannelSink returns a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink. It is closed by Close.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Send implements Sink.
func (s *ChannelSink) Send(ctx context.Context, event Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink. Close waits for in-flight Send calls to return.
func (s *ChannelSink) Close(context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, event Event) error {
	for _, s := range m {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink. Every sink is closed; errors are joined.
func (m MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
