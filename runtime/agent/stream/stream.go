// Package stream defines the client-facing events of a run and the sinks that
// deliver them. Stream events differ from hook events: hook events are the
// engine's complete internal trace while stream events are the filtered,
// wire-friendly subset a live client consumes (agent lifecycle, streamed
// message deltas, tool calls).
//
// The Translator bridges the two. It subscribes to a run's hooks.Bus and sends
// the translated events to a Sink, which may be an in-process channel, a
// Server-Sent Events connection or a message bus such as Pulse.
package stream

import (
	"context"

	"github.com/crewflow/crewflow/runtime/agent/run"
)

type (
	// Sink delivers client events over a transport.
	//
	// A Translator sends the events of one run sequentially. Sinks shared by
	// concurrent runs (for example a Pulse sink) must be safe for concurrent
	// use.
	Sink interface {
		// Send publishes an event. A returned error means the client can no
		// longer be reached.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. Close is idempotent.
		Close(ctx context.Context) error
	}

	// Event is a client event. Concrete types embed Base. Sinks marshal
	// Payload generically; consumers may type-assert for typed access.
	Event interface {
		// Type returns the wire event name.
		Type() EventType
		// RunID returns the identifier of the run that produced the event.
		RunID() string
		// Payload returns the JSON-serializable event data.
		Payload() any
	}

	// EventType is the wire name of a client event.
	EventType string

	// Base carries the metadata shared by every event.
	Base struct {
		t EventType
		r string
		p any
	}

	// WorkflowStart opens the client stream of a run that reached planning.
	WorkflowStart struct {
		Base
		Data WorkflowStartPayload
	}

	// AgentStart announces a streamed stage invocation.
	AgentStart struct {
		Base
		Data AgentPayload
	}

	// AgentEnd closes a streamed stage invocation.
	AgentEnd struct {
		Base
		Data AgentPayload
	}

	// LLMStart announces that a stage started generating a reply.
	LLMStart struct {
		Base
		Data LLMPayload
	}

	// LLMEnd announces that a stage finished generating a reply.
	LLMEnd struct {
		Base
		Data LLMPayload
	}

	// Message carries a fragment of a streamed reply. Clients concatenate the
	// deltas sharing a message ID.
	Message struct {
		Base
		Data MessagePayload
	}

	// ToolCall announces a tool invocation made by a worker stage.
	ToolCall struct {
		Base
		Data ToolCallPayload
	}

	// ToolCallResult carries the result of a tool invocation.
	ToolCallResult struct {
		Base
		Data ToolCallResultPayload
	}

	// WorkflowEnd closes the stream of a handoff run with the final
	// conversation.
	WorkflowEnd struct {
		Base
		Data WorkflowEndPayload
	}

	// WorkflowStartPayload is the payload of WorkflowStart.
	WorkflowStartPayload struct {
		WorkflowID string        `json:"workflow_id"`
		Input      []run.Message `json:"input"`
	}

	// AgentPayload is the payload of AgentStart and AgentEnd.
	AgentPayload struct {
		AgentName string `json:"agent_name"`
		AgentID   string `json:"agent_id"`
	}

	// LLMPayload is the payload of LLMStart and LLMEnd.
	LLMPayload struct {
		AgentName string `json:"agent_name"`
	}

	// MessagePayload is the payload of Message.
	MessagePayload struct {
		MessageID string       `json:"message_id"`
		Delta     MessageDelta `json:"delta"`
	}

	// MessageDelta holds either reply content or reasoning content.
	MessageDelta struct {
		Content          string `json:"content,omitempty"`
		ReasoningContent string `json:"reasoning_content,omitempty"`
	}

	// ToolCallPayload is the payload of ToolCall.
	ToolCallPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
		ToolInput  any    `json:"tool_input"`
	}

	// ToolCallResultPayload is the payload of ToolCallResult.
	ToolCallResultPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
		ToolResult string `json:"tool_result"`
	}

	// WorkflowEndPayload is the payload of WorkflowEnd.
	WorkflowEndPayload struct {
		WorkflowID string         `json:"workflow_id"`
		Messages   []FinalMessage `json:"messages"`
	}

	// FinalMessage is a conversation entry reported by WorkflowEnd.
	FinalMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
)

const (
	// EventWorkflowStart is emitted once, before the first planner start.
	EventWorkflowStart EventType = "start_of_workflow"
	// EventAgentStart is emitted when a streamed stage starts.
	EventAgentStart EventType = "start_of_agent"
	// EventAgentEnd is emitted when a streamed stage ends.
	EventAgentEnd EventType = "end_of_agent"
	// EventLLMStart is emitted when a streamed stage starts generating.
	EventLLMStart EventType = "start_of_llm"
	// EventLLMEnd is emitted when a streamed stage stops generating.
	EventLLMEnd EventType = "end_of_llm"
	// EventMessage carries a reply or reasoning delta.
	EventMessage EventType = "message"
	// EventToolCall is emitted when a worker invokes a tool.
	EventToolCall EventType = "tool_call"
	// EventToolCallResult is emitted when a worker's tool returns.
	EventToolCallResult EventType = "tool_call_result"
	// EventWorkflowEnd closes the stream of a handoff run.
	EventWorkflowEnd EventType = "end_of_workflow"
)

// NewBase returns a Base for events built outside this package.
func NewBase(t EventType, runID string, payload any) Base {
	return Base{t: t, r: runID, p: payload}
}

// Type implements Event.
func (e Base) Type() EventType { return e.t }

// RunID implements Event.
func (e Base) RunID() string { return e.r }

// Payload implements Event.
func (e Base) Payload() any { return e.p }

// String returns the wire name.
func (t EventType) String() string { return string(t) }
