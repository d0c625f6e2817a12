package engine

import (
	"context"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

// Invocation identifies the stage invocation a context belongs to.
type Invocation struct {
	// RunID is the run identifier.
	RunID string
	// Stage is the invoked stage.
	Stage stage.Stage
	// Step is the invocation counter of the run.
	Step int
}

// invocationKey is the private context key of the current Invocation.
type invocationKey struct{}

// WithInvocation returns a child context carrying inv. The engine attaches it
// to the context of every executor call so capabilities and tools can
// correlate their logs with the run.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation carried by ctx, if any.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
