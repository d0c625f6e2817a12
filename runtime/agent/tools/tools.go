// Package tools defines worker capabilities and the tools they are built from.
//
// A Capability is what a worker stage invokes: given the conversation it
// performs a bounded set of tool operations and returns a textual result. Every
// tool call made by a capability goes through Instrument, which reports the
// start and end of the call to the invocation's Tracer. That explicit wrapping
// is the only place tool activity is logged and traced.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/run"
)

type (
	// Spec describes a tool to the oracle.
	Spec struct {
		// Name is the tool identifier, unique within a Set.
		Name string
		// Description explains what the tool does.
		Description string
		// Schema is the JSON schema of the tool input.
		Schema json.RawMessage
	}

	// Tool is a single externally defined operation (search, crawl, shell,
	// code execution, file write, browse).
	Tool interface {
		// Spec returns the tool description.
		Spec() Spec
		// Call runs the tool with the JSON-encoded input. Failures that the
		// model should see are returned as *toolerrors.ToolError.
		Call(ctx context.Context, input json.RawMessage) (string, error)
	}

	// Capability is the bound capability of a worker stage.
	Capability interface {
		// Invoke performs the worker's task against the conversation and
		// returns its textual result. Activity is reported to tr.
		Invoke(ctx context.Context, conversation []run.Message, tr Tracer) (string, error)
	}

	// CapabilityFunc adapts a function to the Capability interface.
	CapabilityFunc func(ctx context.Context, conversation []run.Message, tr Tracer) (string, error)

	// Tracer receives the activity of one stage invocation. Implementations
	// turn calls into trace events; a returned error aborts the invocation.
	Tracer interface {
		// GenerationStart reports that an oracle reply started streaming.
		GenerationStart(ctx context.Context) error
		// GenerationToken reports a streamed fragment of content or
		// reasoning.
		GenerationToken(ctx context.Context, content, reasoning string) error
		// GenerationEnd reports that the reply stream ended.
		GenerationEnd(ctx context.Context) error
		// ToolStart reports a tool call about to run.
		ToolStart(ctx context.Context, tool, invocationID string, input json.RawMessage) error
		// ToolEnd reports a completed tool call.
		ToolEnd(ctx context.Context, tool, invocationID, result string, d time.Duration, err error) error
	}

	// NopTracer discards all activity.
	NopTracer struct{}
)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, conversation []run.Message, tr Tracer) (string, error) {
	return f(ctx, conversation, tr)
}

// GenerationStart implements Tracer.
func (NopTracer) GenerationStart(context.Context) error { return nil }

// GenerationToken implements Tracer.
func (NopTracer) GenerationToken(context.Context, string, string) error { return nil }

// GenerationEnd implements Tracer.
func (NopTracer) GenerationEnd(context.Context) error { return nil }

// ToolStart implements Tracer.
func (NopTracer) ToolStart(context.Context, string, string, json.RawMessage) error { return nil }

// ToolEnd implements Tracer.
func (NopTracer) ToolEnd(context.Context, string, string, string, time.Duration, error) error {
	return nil
}

// funcTool adapts a function to the Tool interface.
type funcTool struct {
	spec Spec
	fn   func(ctx context.Context, input json.RawMessage) (string, error)
}

// NewFunc returns a Tool described by spec and implemented by fn.
func NewFunc(spec Spec, fn func(ctx context.Context, input json.RawMessage) (string, error)) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() Spec { return t.spec }

func (t *funcTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	return t.fn(ctx, input)
}
