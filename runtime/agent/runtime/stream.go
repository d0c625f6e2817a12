package runtime

import (
	"context"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

// RunStream is the handle of a streaming run.
type RunStream struct {
	runID  string
	state  *run.State
	events <-chan stream.Event
	done   chan struct{}

	outcome run.Outcome
	err     error
}

// RunID returns the identifier of the run.
func (s *RunStream) RunID() string {
	return s.runID
}

// Events returns the client events of the run. The channel is closed when the
// run ends, whatever its outcome.
func (s *RunStream) Events() <-chan stream.Event {
	return s.events
}

// Done is closed once the run ended and Wait returns without blocking.
func (s *RunStream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run ends or ctx is done and returns the terminal
// outcome. The error is nil only when the run completed.
func (s *RunStream) Wait(ctx context.Context) (run.Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, s.err
	case <-ctx.Done():
		return run.Outcome{}, ctx.Err()
	}
}

// State returns the final run state. It must only be called after Done is
// closed.
func (s *RunStream) State() *run.State {
	return s.state
}
