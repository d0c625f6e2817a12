// Package engine runs the task graph of a single run.
//
// The engine is a strictly sequential state machine: exactly one stage is
// current, its executor is invoked, the returned delta is applied to the run
// state and control moves to the returned next stage, which must be one of the
// registry's allowed targets. Every invocation is bracketed by stage trace
// events published on the run's hooks.Bus; executors publish nested generation
// and tool events through the tracer they receive.
//
// Cancellation is observed at checkpoints between invocations. An executor in
// flight when the run context is canceled completes, then the run ends with
// status canceled. There is no step limit: a supervisor that never selects
// FINISH keeps the run going.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

type (
	// Engine executes runs over a stage registry. It is immutable and safe
	// for concurrent runs.
	Engine struct {
		registry  *stage.Registry
		executors map[stage.Stage]executor.Executor
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// ErrCanceled is returned when a run is abandoned because its context was
// canceled.
var ErrCanceled = errors.New("run canceled")

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the engine span tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New returns an engine running executors over registry. Every declared
// non-terminal stage needs an executor and every executor a declared stage.
func New(registry *stage.Registry, executors map[stage.Stage]executor.Executor, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, &stage.ConfigurationError{Reason: "stage registry is required"}
	}
	for _, s := range registry.Stages() {
		if s.Terminal() {
			continue
		}
		if executors[s] == nil {
			return nil, &stage.ConfigurationError{Stage: s, Reason: "no executor"}
		}
	}
	execs := make(map[stage.Stage]executor.Executor, len(executors))
	for s, x := range executors {
		if !registry.Declared(s) || s.Terminal() {
			return nil, &stage.ConfigurationError{Stage: s, Reason: "executor bound to an undeclared stage"}
		}
		execs[s] = x
	}
	e := &Engine{
		registry:  registry,
		executors: execs,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the engine's stage registry.
func (e *Engine) Registry() *stage.Registry {
	return e.registry
}

// Run executes the run identified by runID from the registry's initial stage
// until a terminal stage is reached, an executor fails or ctx is canceled.
// state is owned by the engine for the duration of the call. Trace events are
// published on bus synchronously and in production order; a subscriber error
// fails the run. A RunCompletedEvent is always published last.
//
// The returned error is nil only when the run completed.
func (e *Engine) Run(ctx context.Context, runID string, state *run.State, bus hooks.Bus) (run.Outcome, error) {
	current := e.registry.Initial()
	step := 0
	e.logger.Info(ctx, "run started", "run_id", runID, "stage", current)
	if err := bus.Publish(ctx, hooks.NewRunStartedEvent(runID, current, state.Conversation(), state.Params())); err != nil {
		return e.finish(ctx, runID, state, bus, current, step, run.StatusFailed, fmt.Errorf("publish run start: %w", err))
	}
	for {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, runID, state, bus, current, step, run.StatusCanceled, fmt.Errorf("%w: %w", ErrCanceled, err))
		}
		step++
		next, err := e.invoke(ctx, runID, current, step, state, bus)
		if err != nil {
			return e.finish(ctx, runID, state, bus, current, step, run.StatusFailed, err)
		}
		if next.Terminal() {
			return e.finish(ctx, runID, state, bus, next, step, run.StatusCompleted, nil)
		}
		current = next
	}
}

// invoke runs one stage invocation and returns the next stage.
func (e *Engine) invoke(ctx context.Context, runID string, current stage.Stage, step int, state *run.State, bus hooks.Bus) (stage.Stage, error) {
	if err := bus.Publish(ctx, hooks.NewStageStartEvent(runID, current, step)); err != nil {
		return "", fmt.Errorf("publish %s start: %w", current, err)
	}
	e.logger.Debug(ctx, "stage started", "run_id", runID, "stage", current, "step", step)

	// The invocation is not preempted by cancellation; the next checkpoint
	// observes it.
	ictx := WithInvocation(context.WithoutCancel(ctx), Invocation{RunID: runID, Stage: current, Step: step})
	ictx, span := e.tracer.Start(ictx, "stage."+current.String(), trace.WithAttributes(
		attribute.String("crewflow.run_id", runID),
		attribute.Int("crewflow.step", step),
	))
	defer span.End()

	tr := &tracer{bus: bus, runID: runID, stage: current, step: step, metrics: e.metrics}
	start := time.Now()
	delta, next, err := e.executors[current].Execute(ictx, executor.Input{State: state.Snapshot(), Tracer: tr})
	d := time.Since(start)
	if err == nil && !e.registry.Allowed(current, next) {
		err = &stage.ConfigurationError{Stage: current, Reason: fmt.Sprintf("transition to %q is not allowed", next)}
	}
	if err == nil {
		err = state.Apply(delta)
	}
	if err == nil {
		state.SetNextStage(next)
	} else {
		next = ""
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.metrics.IncCounter(telemetry.MetricStageInvocations, 1, "stage", current.String(), "outcome", outcome)
	e.metrics.RecordTimer(telemetry.MetricStageDuration, d, "stage", current.String())

	if perr := bus.Publish(ctx, hooks.NewStageEndEvent(runID, current, step, next, d, err)); perr != nil && err == nil {
		err = fmt.Errorf("publish %s end: %w", current, perr)
	}
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", current, err)
	}
	e.logger.Debug(ctx, "stage completed", "run_id", runID, "stage", current, "next", next, "duration", d)
	return next, nil
}

// finish publishes the closing trace event and returns the outcome.
func (e *Engine) finish(ctx context.Context, runID string, state *run.State, bus hooks.Bus, last stage.Stage, step int, status run.Status, err error) (run.Outcome, error) {
	e.metrics.IncCounter(telemetry.MetricRunOutcomes, 1, "status", string(status))
	switch status {
	case run.StatusCompleted:
		e.logger.Info(ctx, "run completed", "run_id", runID, "steps", step)
	case run.StatusCanceled:
		e.logger.Warn(ctx, "run canceled", "run_id", runID, "stage", last, "steps", step)
	default:
		e.logger.Error(ctx, "run failed", "run_id", runID, "stage", last, "err", err)
	}
	closing := hooks.NewRunCompletedEvent(runID, last, step, status, state.Conversation(), err)
	if perr := bus.Publish(context.WithoutCancel(ctx), closing); perr != nil {
		e.logger.Warn(ctx, "publish run completion failed", "run_id", runID, "err", perr)
	}
	return run.Outcome{Status: status, LastStage: last, Steps: step}, err
}
