package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

type (
	// Supervisor routes the run. It asks the oracle for a structured
	// decision naming the next team member, the reporter or FINISH.
	Supervisor struct {
		oracle  model.Client
		prompt  Prompts
		choices []string
		format  *model.ResponseFormat
		schema  *jsonschema.Schema
		logger  telemetry.Logger
	}

	route struct {
		Next string `json:"next"`
	}
)

// ErrInvalidRoute is wrapped by the OracleError returned when the routing
// decision is not one of the allowed choices.
var ErrInvalidRoute = errors.New("invalid routing decision")

// NewSupervisor returns the supervisor executor routing between members, the
// reporter and FINISH.
func NewSupervisor(oracle model.Client, p Prompts, members []stage.Stage, opts ...Option) (*Supervisor, error) {
	choices := make([]string, 0, len(members)+2)
	for _, m := range members {
		choices = append(choices, m.String())
	}
	if !slices.Contains(choices, stage.Reporter.String()) {
		choices = append(choices, stage.Reporter.String())
	}
	choices = append(choices, stage.Finish)

	raw, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next": map[string]any{"type": "string", "enum": choices},
		},
		"required":             []string{"next"},
		"additionalProperties": false,
	})
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode router schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("router.json", doc); err != nil {
		return nil, fmt.Errorf("add router schema: %w", err)
	}
	sch, err := c.Compile("router.json")
	if err != nil {
		return nil, fmt.Errorf("compile router schema: %w", err)
	}
	o := newOptions(opts)
	return &Supervisor{
		oracle:  oracle,
		prompt:  p,
		choices: choices,
		format:  &model.ResponseFormat{Name: "router", Schema: raw},
		schema:  sch,
		logger:  o.logger,
	}, nil
}

// Choices returns the allowed routing decisions.
func (s *Supervisor) Choices() []string {
	return slices.Clone(s.choices)
}

// Execute implements Executor.
func (s *Supervisor) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	s.logger.Info(ctx, "supervisor evaluating next action")
	system, err := render(s.prompt, stage.Supervisor, in.State)
	if err != nil {
		return run.Delta{}, "", err
	}
	resp, err := s.oracle.Complete(ctx, &model.Request{
		System:         system,
		Messages:       Messages(in.State.Conversation()),
		ResponseFormat: s.format,
	})
	if err != nil {
		return run.Delta{}, "", model.NewOracleError("", "complete", err)
	}
	next, err := s.decode(resp.Text)
	if err != nil {
		return run.Delta{}, "", model.NewOracleError("", "decode", err)
	}
	if next.Terminal() {
		s.logger.Info(ctx, "workflow completed")
	} else {
		s.logger.Info(ctx, "supervisor delegating", "next", next)
	}
	return run.Delta{}, next, nil
}

func (s *Supervisor) decode(text string) (stage.Stage, error) {
	body := stripFence(text)
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not JSON", ErrInvalidRoute, text)
	}
	if err := s.schema.Validate(inst); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	var r route
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	if r.Next == stage.Finish {
		return stage.End, nil
	}
	return stage.Parse(r.Next)
}
