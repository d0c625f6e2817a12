package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

type (
	// Set is an immutable collection of tools keyed by name. Inputs are
	// validated against each tool's schema before the tool runs.
	Set struct {
		order   []string
		tools   map[string]Tool
		schemas map[string]*jsonschema.Schema
	}
)

// NewSet builds a Set. It fails when two tools share a name or a schema does
// not compile.
func NewSet(ts ...Tool) (*Set, error) {
	s := &Set{
		tools:   make(map[string]Tool, len(ts)),
		schemas: make(map[string]*jsonschema.Schema, len(ts)),
	}
	for _, t := range ts {
		spec := t.Spec()
		if spec.Name == "" {
			return nil, errors.New("tool name is required")
		}
		if _, dup := s.tools[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", spec.Name)
		}
		if len(spec.Schema) > 0 {
			sch, err := compileSchema(spec.Name, spec.Schema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", spec.Name, err)
			}
			s.schemas[spec.Name] = sch
		}
		s.tools[spec.Name] = t
		s.order = append(s.order, spec.Name)
	}
	return s, nil
}

// Len returns the number of tools.
func (s *Set) Len() int {
	return len(s.order)
}

// Names returns the tool names in declaration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Definitions returns the oracle-facing tool definitions.
func (s *Set) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		spec := s.tools[name].Spec()
		defs = append(defs, model.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Schema,
		})
	}
	return defs
}

// Call validates input and runs the named tool through Instrument so the call
// is reported to tr. Unknown tools and invalid inputs are reported as tool
// failures without running anything.
func (s *Set) Call(ctx context.Context, tr Tracer, name string, input json.RawMessage) (string, error) {
	t, ok := s.tools[name]
	if !ok {
		return "", toolerrors.NewWithCause(name, fmt.Sprintf("unknown tool %q", name), nil)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if sch := s.schemas[name]; sch != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
		if err != nil {
			return "", toolerrors.NewWithCause(name, "invalid JSON input", err)
		}
		if err := sch.Validate(inst); err != nil {
			return "", toolerrors.NewWithCause(name, "invalid input: "+err.Error(), nil)
		}
	}
	return Instrument(t, tr).Call(ctx, input)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}
