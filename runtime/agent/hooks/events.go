package hooks

import (
	"encoding/json"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
)

type (
	// Event is the interface all trace events implement. The engine and the
	// executors publish events through the Bus, and subscribers receive them
	// via HandleEvent in the exact order they were produced.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt Event) error {
	//	    switch e := evt.(type) {
	//	    case *GenerationTokenEvent:
	//	        log.Printf("token %q", e.Content)
	//	    case *ToolEndEvent:
	//	        log.Printf("tool %s returned", e.ToolName)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run-scoped correlation identifier.
		RunID() string
		// Stage returns the stage that produced the event. Run lifecycle
		// events report the stage that was current when they were emitted.
		Stage() stage.Stage
		// Step returns the stage invocation counter. It starts at 1 for the
		// first invocation of a run and increases by one per invocation.
		Step() int
		// Timestamp returns the Unix time in milliseconds at which the event
		// was created.
		Timestamp() int64
	}

	// EventType enumerates trace event kinds.
	EventType string

	// RunStartedEvent opens the trace of a run.
	RunStartedEvent struct {
		baseEvent
		// Input is the caller's initial conversation.
		Input []run.Message
		// Params are the run parameters.
		Params run.Params
	}

	// StageStartEvent fires before a stage executor is invoked.
	StageStartEvent struct {
		baseEvent
	}

	// StageEndEvent fires after a stage executor returned and its delta was
	// applied.
	StageEndEvent struct {
		baseEvent
		// Next is the stage the executor routed to. Empty when the executor
		// failed.
		Next stage.Stage
		// Duration is the wall-clock time spent in the executor.
		Duration time.Duration
		// Error is the executor failure, if any.
		Error error
	}

	// GenerationStartEvent fires when an oracle-backed stage starts streaming
	// a reply.
	GenerationStartEvent struct {
		baseEvent
	}

	// GenerationTokenEvent carries one streamed piece of a reply. Content and
	// Reasoning are both empty for keep-alive or bookkeeping chunks.
	GenerationTokenEvent struct {
		baseEvent
		// Content is the reply text fragment.
		Content string
		// Reasoning is an out-of-band reasoning fragment.
		Reasoning string
	}

	// GenerationEndEvent fires when the reply stream is exhausted.
	GenerationEndEvent struct {
		baseEvent
	}

	// ToolStartEvent fires before a worker capability invokes a tool.
	ToolStartEvent struct {
		baseEvent
		// ToolName is the tool identifier.
		ToolName string
		// InvocationID identifies this tool invocation.
		InvocationID string
		// Input is the JSON-encoded tool input.
		Input json.RawMessage
	}

	// ToolEndEvent fires after the tool returned.
	ToolEndEvent struct {
		baseEvent
		// ToolName is the tool identifier.
		ToolName string
		// InvocationID matches the ToolStartEvent of the same call.
		InvocationID string
		// Result is the textual tool output, or the rendered failure.
		Result string
		// Error is the tool failure, if any.
		Error error
		// Duration is the wall-clock time spent in the tool.
		Duration time.Duration
	}

	// RunCompletedEvent closes the trace of a run. It is published exactly
	// once per run whatever the outcome.
	RunCompletedEvent struct {
		baseEvent
		// Status is the terminal status.
		Status run.Status
		// Conversation is the final conversation.
		Conversation []run.Message
		// Error is the run failure, if any.
		Error error
	}

	// baseEvent holds the fields shared by all event types.
	baseEvent struct {
		runID     string
		stage     stage.Stage
		step      int
		timestamp int64
	}
)

const (
	// RunStarted fires once when the engine starts a run.
	RunStarted EventType = "run_started"
	// StageStart fires before a stage invocation.
	StageStart EventType = "stage_start"
	// StageEnd fires after a stage invocation.
	StageEnd EventType = "stage_end"
	// GenerationStart fires when a reply stream opens.
	GenerationStart EventType = "generation_start"
	// GenerationToken fires per streamed fragment.
	GenerationToken EventType = "generation_token"
	// GenerationEnd fires when a reply stream closes.
	GenerationEnd EventType = "generation_end"
	// ToolStart fires before a tool call.
	ToolStart EventType = "tool_start"
	// ToolEnd fires after a tool call.
	ToolEnd EventType = "tool_end"
	// RunCompleted fires once when the run reaches a terminal status.
	RunCompleted EventType = "run_completed"
)

// NewRunStartedEvent constructs a RunStartedEvent.
func NewRunStartedEvent(runID string, initial stage.Stage, input []run.Message, params run.Params) *RunStartedEvent {
	return &RunStartedEvent{baseEvent: newBaseEvent(runID, initial, 0), Input: input, Params: params}
}

// NewStageStartEvent constructs a StageStartEvent.
func NewStageStartEvent(runID string, st stage.Stage, step int) *StageStartEvent {
	return &StageStartEvent{baseEvent: newBaseEvent(runID, st, step)}
}

// NewStageEndEvent constructs a StageEndEvent.
func NewStageEndEvent(runID string, st stage.Stage, step int, next stage.Stage, d time.Duration, err error) *StageEndEvent {
	return &StageEndEvent{baseEvent: newBaseEvent(runID, st, step), Next: next, Duration: d, Error: err}
}

// NewGenerationStartEvent constructs a GenerationStartEvent.
func NewGenerationStartEvent(runID string, st stage.Stage, step int) *GenerationStartEvent {
	return &GenerationStartEvent{baseEvent: newBaseEvent(runID, st, step)}
}

// NewGenerationTokenEvent constructs a GenerationTokenEvent.
func NewGenerationTokenEvent(runID string, st stage.Stage, step int, content, reasoning string) *GenerationTokenEvent {
	return &GenerationTokenEvent{baseEvent: newBaseEvent(runID, st, step), Content: content, Reasoning: reasoning}
}

// NewGenerationEndEvent constructs a GenerationEndEvent.
func NewGenerationEndEvent(runID string, st stage.Stage, step int) *GenerationEndEvent {
	return &GenerationEndEvent{baseEvent: newBaseEvent(runID, st, step)}
}

// NewToolStartEvent constructs a ToolStartEvent.
func NewToolStartEvent(runID string, st stage.Stage, step int, tool, invocationID string, input json.RawMessage) *ToolStartEvent {
	return &ToolStartEvent{
		baseEvent:    newBaseEvent(runID, st, step),
		ToolName:     tool,
		InvocationID: invocationID,
		Input:        input,
	}
}

// NewToolEndEvent constructs a ToolEndEvent.
func NewToolEndEvent(runID string, st stage.Stage, step int, tool, invocationID, result string, d time.Duration, err error) *ToolEndEvent {
	return &ToolEndEvent{
		baseEvent:    newBaseEvent(runID, st, step),
		ToolName:     tool,
		InvocationID: invocationID,
		Result:       result,
		Duration:     d,
		Error:        err,
	}
}

// NewRunCompletedEvent constructs a RunCompletedEvent.
func NewRunCompletedEvent(runID string, last stage.Stage, step int, status run.Status, conversation []run.Message, err error) *RunCompletedEvent {
	return &RunCompletedEvent{
		baseEvent:    newBaseEvent(runID, last, step),
		Status:       status,
		Conversation: conversation,
		Error:        err,
	}
}

// Type implements Event.
func (e *RunStartedEvent) Type() EventType { return RunStarted }

// Type implements Event.
func (e *StageStartEvent) Type() EventType { return StageStart }

// Type implements Event.
func (e *StageEndEvent) Type() EventType { return StageEnd }

// Type implements Event.
func (e *GenerationStartEvent) Type() EventType { return GenerationStart }

// Type implements Event.
func (e *GenerationTokenEvent) Type() EventType { return GenerationToken }

// Type implements Event.
func (e *GenerationEndEvent) Type() EventType { return GenerationEnd }

// Type implements Event.
func (e *ToolStartEvent) Type() EventType { return ToolStart }

// Type implements Event.
func (e *ToolEndEvent) Type() EventType { return ToolEnd }

// Type implements Event.
func (e *RunCompletedEvent) Type() EventType { return RunCompleted }

// RunID implements Event.
func (e baseEvent) RunID() string { return e.runID }

// Stage implements Event.
func (e baseEvent) Stage() stage.Stage { return e.stage }

// Step implements Event.
func (e baseEvent) Step() int { return e.step }

// Timestamp implements Event.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

func newBaseEvent(runID string, st stage.Stage, step int) baseEvent {
	return baseEvent{
		runID:     runID,
		stage:     st,
		step:      step,
		timestamp: time.Now().UnixMilli(),
	}
}
