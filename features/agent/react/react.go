// Package react implements worker capabilities as reason-and-act loops.
//
// An Agent asks its oracle for the next move given the conversation and the
// definitions of its tools. Tool calls requested by the oracle are executed
// through the tool set, their results are appended to the loop transcript and
// the oracle is asked again, until it answers without calling a tool. The
// final answer is returned as the capability result.
package react

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Config configures an Agent.
	Config struct {
		// Name identifies the agent in logs, for example "researcher".
		Name string
		// Oracle decides the next move of the loop.
		Oracle model.Client
		// Tools holds the tools the oracle may call. May be empty.
		Tools *tools.Set
		// System returns the system prompt of each loop. Called once per
		// invocation so prompts that embed the current time stay accurate.
		System func(ctx context.Context) (string, error)
		// MaxSteps caps the number of oracle turns of one invocation.
		// Defaults to DefaultMaxSteps.
		MaxSteps int
		// Logger receives loop diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Agent is a tools.Capability running a reason-and-act loop.
	Agent struct {
		name     string
		oracle   model.Client
		tools    *tools.Set
		system   func(ctx context.Context) (string, error)
		maxSteps int
		logger   telemetry.Logger
	}
)

// DefaultMaxSteps is the default cap on oracle turns per invocation.
const DefaultMaxSteps = 25

// New returns an Agent configured with cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("react: oracle is required")
	}
	if cfg.System == nil {
		return nil, errors.New("react: system prompt is required")
	}
	if cfg.Tools == nil {
		set, err := tools.NewSet()
		if err != nil {
			return nil, err
		}
		cfg.Tools = set
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		name:     cfg.Name,
		oracle:   cfg.Oracle,
		tools:    cfg.Tools,
		system:   cfg.System,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger,
	}, nil
}

// Invoke implements tools.Capability. Tool failures are fed back to the
// oracle as tool results so it can recover. Exhausting the step budget
// returns a tool error, which the worker reports as text.
func (a *Agent) Invoke(ctx context.Context, conversation []run.Message, tr tools.Tracer) (string, error) {
	if tr == nil {
		tr = tools.NopTracer{}
	}
	system, err := a.system(ctx)
	if err != nil {
		return "", fmt.Errorf("%s system prompt: %w", a.name, err)
	}
	msgs := executor.Messages(conversation)
	defs := a.tools.Definitions()
	for step := 1; step <= a.maxSteps; step++ {
		resp, err := executor.Generate(ctx, a.oracle, &model.Request{
			System:   system,
			Messages: msgs,
			Tools:    defs,
		}, tr)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			a.logger.Debug(ctx, "agent finished", "agent", a.name, "steps", step)
			return resp.Text, nil
		}
		msgs = append(msgs, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			out, err := a.tools.Call(ctx, tr, call.Name, call.Arguments)
			if err != nil {
				if !toolerrors.Is(err) {
					return "", err
				}
				a.logger.Warn(ctx, "agent tool failed", "agent", a.name, "tool", call.Name, "err", err)
				out = toolerrors.Text(err)
			}
			msgs = append(msgs, model.Message{
				Role:       model.RoleTool,
				Name:       call.Name,
				Content:    out,
				ToolCallID: call.ID,
			})
		}
	}
	return "", toolerrors.NewWithCause(a.name, fmt.Sprintf("stopped after %d steps", a.maxSteps), nil)
}
