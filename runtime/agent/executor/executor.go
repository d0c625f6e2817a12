// Package executor implements the stage executors of the task graph.
//
// An executor turns a read-only snapshot of the run state into a state delta
// and the name of the next stage. Executors keep no state between
// invocations; everything they need lives in the run state. Oracle-backed
// executors report their streamed replies, and worker capabilities their tool
// calls, through the invocation's tools.Tracer.
package executor

import (
	"context"
	"fmt"
	"slices"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/prompts"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Executor runs one stage invocation.
	Executor interface {
		// Execute returns the delta to apply and the stage to run next.
		Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error)
	}

	// Func adapts a function to the Executor interface.
	Func func(ctx context.Context, in Input) (run.Delta, stage.Stage, error)

	// Input is the argument of an invocation.
	Input struct {
		// State is a snapshot of the run state. Executors must not retain it.
		State *run.State
		// Tracer receives generation and tool activity. Never nil when
		// called by the engine.
		Tracer tools.Tracer
	}

	// Prompts renders the system prompt of a stage.
	Prompts interface {
		Render(s stage.Stage, vars prompts.Vars) (string, error)
	}

	// Oracles resolves the oracle client of a strength.
	Oracles interface {
		Client(ctx context.Context, s model.Strength) (model.Client, error)
	}

	// Option configures an executor.
	Option func(*options)

	options struct {
		logger telemetry.Logger
	}
)

// ResponseFormat wraps the reply of a worker or the reporter before it is
// appended to the conversation.
const ResponseFormat = "Response from %s:\n\n<response>\n%s\n</response>\n\n*Please execute the next step.*"

// WithLogger sets the logger used by the executor.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	return f(ctx, in)
}

// FormatResponse renders a stage reply with ResponseFormat.
func FormatResponse(s stage.Stage, text string) string {
	return fmt.Sprintf(ResponseFormat, s, text)
}

func newOptions(opts []Option) options {
	o := options{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// render renders the system prompt of s for the run described by state. The
// team shown to the oracle is the run's workers followed by the reporter.
func render(p Prompts, s stage.Stage, state *run.State) (string, error) {
	team := slices.Clone(state.TeamMembers())
	if !slices.Contains(team, stage.Reporter) {
		team = append(team, stage.Reporter)
	}
	names := make([]string, len(team))
	for i, m := range team {
		names[i] = m.String()
	}
	params := state.Params()
	out, err := p.Render(s, prompts.Vars{
		TeamMembers:      names,
		DeepThinking:     params.DeepThinking,
		SearchBeforePlan: params.SearchBeforePlan,
	})
	if err != nil {
		return "", fmt.Errorf("%s prompt: %w", s, err)
	}
	return out, nil
}

// Messages converts a conversation into oracle messages. Stage replies become
// assistant messages; caller input and worker reports stay user messages.
func Messages(conv []run.Message) []model.Message {
	out := make([]model.Message, 0, len(conv))
	for _, m := range conv {
		role := model.RoleUser
		if m.Role == run.RoleAgentOutput {
			role = model.RoleAssistant
		}
		out = append(out, model.Message{Role: role, Name: m.Stage.String(), Content: m.Content})
	}
	return out
}

// Generate streams req through c and reports the reply to tr as generation
// events. It returns the aggregated reply.
func Generate(ctx context.Context, c model.Client, req *model.Request, tr tools.Tracer) (*model.Response, error) {
	if tr == nil {
		tr = tools.NopTracer{}
	}
	if err := tr.GenerationStart(ctx); err != nil {
		return nil, err
	}
	resp, err := model.Collect(ctx, c, req, func(ch model.Chunk) error {
		return tr.GenerationToken(ctx, ch.Text, ch.Thinking)
	})
	if err != nil {
		return nil, err
	}
	if err := tr.GenerationEnd(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}
