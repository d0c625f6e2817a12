package executor

import (
	"context"
	"strings"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

// DefaultHandoffMarker is the substring of a coordinator reply that hands the
// request to the planner.
const DefaultHandoffMarker = "handoff_to_planner"

// Coordinator talks with the user. It hands the request to the planner when
// its reply contains the handoff marker and ends the run otherwise. Its reply
// is streamed to the client but never added to the conversation.
type Coordinator struct {
	oracle model.Client
	prompt Prompts
	marker string
	logger telemetry.Logger
}

// NewCoordinator returns the coordinator executor. An empty marker selects
// DefaultHandoffMarker.
func NewCoordinator(oracle model.Client, p Prompts, marker string, opts ...Option) *Coordinator {
	if marker == "" {
		marker = DefaultHandoffMarker
	}
	o := newOptions(opts)
	return &Coordinator{oracle: oracle, prompt: p, marker: marker, logger: o.logger}
}

// Execute implements Executor.
func (c *Coordinator) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	c.logger.Info(ctx, "coordinator talking")
	system, err := render(c.prompt, stage.Coordinator, in.State)
	if err != nil {
		return run.Delta{}, "", err
	}
	resp, err := Generate(ctx, c.oracle, &model.Request{
		System:   system,
		Messages: Messages(in.State.Conversation()),
	}, in.Tracer)
	if err != nil {
		return run.Delta{}, "", err
	}
	c.logger.Debug(ctx, "coordinator response", "text", resp.Text)
	if strings.Contains(resp.Text, c.marker) {
		return run.Delta{}, stage.Planner, nil
	}
	return run.Delta{}, stage.End, nil
}
