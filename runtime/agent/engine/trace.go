package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

// tracer publishes the activity of one stage invocation on the run's bus.
type tracer struct {
	bus     hooks.Bus
	runID   string
	stage   stage.Stage
	step    int
	metrics telemetry.Metrics
}

func (t *tracer) GenerationStart(ctx context.Context) error {
	return t.bus.Publish(ctx, hooks.NewGenerationStartEvent(t.runID, t.stage, t.step))
}

func (t *tracer) GenerationToken(ctx context.Context, content, reasoning string) error {
	return t.bus.Publish(ctx, hooks.NewGenerationTokenEvent(t.runID, t.stage, t.step, content, reasoning))
}

func (t *tracer) GenerationEnd(ctx context.Context) error {
	return t.bus.Publish(ctx, hooks.NewGenerationEndEvent(t.runID, t.stage, t.step))
}

func (t *tracer) ToolStart(ctx context.Context, tool, invocationID string, input json.RawMessage) error {
	return t.bus.Publish(ctx, hooks.NewToolStartEvent(t.runID, t.stage, t.step, tool, invocationID, input))
}

func (t *tracer) ToolEnd(ctx context.Context, tool, invocationID, result string, d time.Duration, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.metrics.IncCounter(telemetry.MetricToolCalls, 1, "stage", t.stage.String(), "tool", tool, "outcome", outcome)
	return t.bus.Publish(ctx, hooks.NewToolEndEvent(t.runID, t.stage, t.step, tool, invocationID, result, d, err))
}
