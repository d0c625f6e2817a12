package executor

import (
	"context"
	"fmt"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Worker runs a team member's capability over the conversation and
	// reports the result back to the supervisor.
	Worker struct {
		stage      stage.Stage
		capability tools.Capability
		logger     telemetry.Logger
	}

	// Reporter writes the final report.
	Reporter struct {
		oracle model.Client
		prompt Prompts
		logger telemetry.Logger
	}
)

// NewWorker returns the executor of worker stage st.
func NewWorker(st stage.Stage, capability tools.Capability, opts ...Option) (*Worker, error) {
	if !st.IsWorker() {
		return nil, fmt.Errorf("%s is not a worker stage", st)
	}
	if capability == nil {
		return nil, fmt.Errorf("%s capability is required", st)
	}
	o := newOptions(opts)
	return &Worker{stage: st, capability: capability, logger: o.logger}, nil
}

// Stage returns the worker's stage.
func (w *Worker) Stage() stage.Stage {
	return w.stage
}

// Execute implements Executor. A tool failure surfacing from the capability
// becomes the reported text; any other error fails the invocation.
func (w *Worker) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	w.logger.Info(ctx, "worker starting task", "stage", w.stage)
	tr := in.Tracer
	if tr == nil {
		tr = tools.NopTracer{}
	}
	text, err := w.capability.Invoke(ctx, in.State.Conversation(), tr)
	if err != nil {
		if !toolerrors.Is(err) {
			return run.Delta{}, "", fmt.Errorf("%s capability: %w", w.stage, err)
		}
		w.logger.Warn(ctx, "worker tool failed", "stage", w.stage, "err", err)
		text = toolerrors.Text(err)
	}
	w.logger.Info(ctx, "worker completed task", "stage", w.stage)
	w.logger.Debug(ctx, "worker response", "stage", w.stage, "text", text)
	return run.Delta{Messages: []run.Message{{
		Role:    run.RoleUser,
		Stage:   w.stage,
		Content: FormatResponse(w.stage, text),
	}}}, stage.Supervisor, nil
}

// NewReporter returns the reporter executor.
func NewReporter(oracle model.Client, p Prompts, opts ...Option) *Reporter {
	o := newOptions(opts)
	return &Reporter{oracle: oracle, prompt: p, logger: o.logger}
}

// Execute implements Executor.
func (r *Reporter) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	r.logger.Info(ctx, "reporter writing final report")
	system, err := render(r.prompt, stage.Reporter, in.State)
	if err != nil {
		return run.Delta{}, "", err
	}
	resp, err := Generate(ctx, r.oracle, &model.Request{
		System:   system,
		Messages: Messages(in.State.Conversation()),
	}, in.Tracer)
	if err != nil {
		return run.Delta{}, "", err
	}
	r.logger.Debug(ctx, "reporter response", "text", resp.Text)
	return run.Delta{Messages: []run.Message{{
		Role:    run.RoleUser,
		Stage:   stage.Reporter,
		Content: FormatResponse(stage.Reporter, resp.Text),
	}}}, stage.Supervisor, nil
}
