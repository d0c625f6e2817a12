package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

// instrumented wraps a Tool so each call is bracketed by ToolStart and ToolEnd.
type instrumented struct {
	tool   Tool
	tracer Tracer
}

// Instrument returns a Tool reporting every call of t to tr. Each call gets a
// fresh invocation identifier. Errors returned by t are converted to
// *toolerrors.ToolError carrying the tool name; errors returned by tr are
// returned unchanged and abort the call.
func Instrument(t Tool, tr Tracer) Tool {
	if tr == nil {
		tr = NopTracer{}
	}
	return &instrumented{tool: t, tracer: tr}
}

func (i *instrumented) Spec() Spec {
	return i.tool.Spec()
}

func (i *instrumented) Call(ctx context.Context, input json.RawMessage) (string, error) {
	name := i.tool.Spec().Name
	id := uuid.NewString()
	if err := i.tracer.ToolStart(ctx, name, id, input); err != nil {
		return "", err
	}
	start := time.Now()
	out, err := i.tool.Call(ctx, input)
	d := time.Since(start)
	if err != nil {
		te := toolerrors.NewWithCause(name, "", err)
		if terr := i.tracer.ToolEnd(ctx, name, id, toolerrors.Text(te), d, te); terr != nil {
			return "", terr
		}
		return "", te
	}
	if terr := i.tracer.ToolEnd(ctx, name, id, out, d, nil); terr != nil {
		return "", terr
	}
	return out, nil
}
