package executor

import (
	"context"
	"fmt"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// TeamConfig carries the collaborators of the default executors.
	TeamConfig struct {
		// Oracles resolves oracle clients. Clients are looked up on every
		// call so a missing strength only fails the stages that need it.
		Oracles Oracles
		// Prompts renders system prompts.
		Prompts Prompts
		// Capabilities binds every worker stage of the registry.
		Capabilities map[stage.Stage]tools.Capability
		// Planner configures the planner.
		Planner PlannerOptions
		// HandoffMarker is the coordinator handoff substring. Defaults to
		// DefaultHandoffMarker.
		HandoffMarker string
	}

	// oracleOf resolves a strength on every call.
	oracleOf struct {
		oracles  Oracles
		strength model.Strength
	}
)

// NewTeam returns an executor for every non-terminal stage of reg.
func NewTeam(reg *stage.Registry, cfg TeamConfig, opts ...Option) (map[stage.Stage]Executor, error) {
	if cfg.Oracles == nil {
		return nil, &stage.ConfigurationError{Reason: "oracles are required"}
	}
	if cfg.Prompts == nil {
		return nil, &stage.ConfigurationError{Reason: "prompts are required"}
	}
	basic := &oracleOf{oracles: cfg.Oracles, strength: model.StrengthBasic}
	out := make(map[stage.Stage]Executor)
	for _, s := range reg.Stages() {
		switch {
		case s.Terminal():
			continue
		case s == stage.Coordinator:
			out[s] = NewCoordinator(basic, cfg.Prompts, cfg.HandoffMarker, opts...)
		case s == stage.Planner:
			out[s] = NewPlanner(cfg.Oracles, cfg.Prompts, cfg.Planner, opts...)
		case s == stage.Supervisor:
			sup, err := NewSupervisor(basic, cfg.Prompts, reg.TeamMembers(), opts...)
			if err != nil {
				return nil, fmt.Errorf("supervisor: %w", err)
			}
			out[s] = sup
		case s == stage.Reporter:
			out[s] = NewReporter(basic, cfg.Prompts, opts...)
		case s.IsWorker():
			c, ok := cfg.Capabilities[s]
			if !ok {
				return nil, &stage.ConfigurationError{Stage: s, Reason: "no capability"}
			}
			w, err := NewWorker(s, c, opts...)
			if err != nil {
				return nil, err
			}
			out[s] = w
		}
	}
	return out, nil
}

func (o *oracleOf) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c, err := o.oracles.Client(ctx, o.strength)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, req)
}

func (o *oracleOf) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c, err := o.oracles.Client(ctx, o.strength)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, req)
}
