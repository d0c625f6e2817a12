package stage

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

type (
	// Registry is the immutable routing table of the task graph. It maps every
	// declared stage to the set of stages it may transition to. A Registry is
	// safe for concurrent use by any number of runs.
	Registry struct {
		initial  Stage
		order    []Stage
		targets  map[Stage][]Stage
		declared map[Stage]struct{}
	}

	// ConfigurationError reports a malformed registry or engine wiring. It is
	// raised at construction time and never while a run executes, with the one
	// exception of an executor returning a next stage outside its declared
	// transition set.
	ConfigurationError struct {
		// Stage is the stage whose declaration is invalid, if any.
		Stage Stage
		// Reason describes the problem.
		Reason string
	}
)

// ErrConfiguration is the sentinel matched by errors.Is for every
// ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// NewRegistry validates adjacency and returns the resulting registry. Every key
// and every target must be a member of the stage enumeration, every target
// must itself be declared as a key (End is implicitly declared), and
// Coordinator must be declared since it is the initial stage.
func NewRegistry(adjacency map[Stage][]Stage) (*Registry, error) {
	if len(adjacency) == 0 {
		return nil, &ConfigurationError{Reason: "no stages declared"}
	}
	declared := map[Stage]struct{}{End: {}}
	for from := range adjacency {
		if !from.Valid() {
			return nil, &ConfigurationError{Stage: from, Reason: "not a known stage"}
		}
		if from.Terminal() {
			return nil, &ConfigurationError{Stage: from, Reason: "terminal stage cannot declare transitions"}
		}
		declared[from] = struct{}{}
	}
	if _, ok := declared[Coordinator]; !ok {
		return nil, &ConfigurationError{Stage: Coordinator, Reason: "initial stage is not declared"}
	}
	targets := make(map[Stage][]Stage, len(adjacency))
	for from, tos := range adjacency {
		if len(tos) == 0 {
			return nil, &ConfigurationError{Stage: from, Reason: "no transitions declared"}
		}
		seen := make(map[Stage]struct{}, len(tos))
		out := make([]Stage, 0, len(tos))
		for _, to := range tos {
			if _, ok := declared[to]; !ok {
				return nil, &ConfigurationError{
					Stage:  from,
					Reason: fmt.Sprintf("transition target %q is not a declared stage", to),
				}
			}
			if _, dup := seen[to]; dup {
				continue
			}
			seen[to] = struct{}{}
			out = append(out, to)
		}
		targets[from] = out
	}
	order := make([]Stage, 0, len(declared))
	for _, s := range all {
		if _, ok := declared[s]; ok {
			order = append(order, s)
		}
	}
	return &Registry{
		initial:  Coordinator,
		order:    order,
		targets:  targets,
		declared: declared,
	}, nil
}

// DefaultAdjacency returns the standard crew routing table: the coordinator
// hands off to planning or ends, planning routes to the supervisor or ends,
// the supervisor picks a worker, the reporter or the end, and every worker as
// well as the reporter reports back to the supervisor.
func DefaultAdjacency() map[Stage][]Stage {
	supervisorTargets := append(Workers(), Reporter, End)
	adj := map[Stage][]Stage{
		Coordinator: {Planner, End},
		Planner:     {Supervisor, End},
		Supervisor:  supervisorTargets,
		Reporter:    {Supervisor},
	}
	for _, w := range Workers() {
		adj[w] = []Stage{Supervisor}
	}
	return adj
}

// DefaultRegistry builds the registry for DefaultAdjacency. It panics if the
// built-in table is invalid, which would be a programming error.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultAdjacency())
	if err != nil {
		panic(err)
	}
	return r
}

// Initial returns the stage every run starts at.
func (r *Registry) Initial() Stage {
	return r.initial
}

// Stages returns the declared stages in enumeration order, End included.
func (r *Registry) Stages() []Stage {
	return slices.Clone(r.order)
}

// Declared reports whether s is part of the registry.
func (r *Registry) Declared(s Stage) bool {
	_, ok := r.declared[s]
	return ok
}

// Targets returns the allowed next stages of from.
func (r *Registry) Targets(from Stage) []Stage {
	return slices.Clone(r.targets[from])
}

// Allowed reports whether from may transition to to.
func (r *Registry) Allowed(from, to Stage) bool {
	return slices.Contains(r.targets[from], to)
}

// TeamMembers returns the declared worker stages.
func (r *Registry) TeamMembers() []Stage {
	var out []Stage
	for _, s := range r.order {
		if s.IsWorker() {
			out = append(out, s)
		}
	}
	return out
}

// Mermaid renders the routing table as a Mermaid flowchart.
func (r *Registry) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD;\n")
	b.WriteString("\t__start__([__start__]) --> " + string(r.initial) + ";\n")
	froms := make([]Stage, 0, len(r.targets))
	for from := range r.targets {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return rank(froms[i]) < rank(froms[j]) })
	for _, from := range froms {
		for _, to := range r.targets[from] {
			target := string(to)
			if to.Terminal() {
				target = "__end__([__end__])"
			}
			fmt.Fprintf(&b, "\t%s -.-> %s;\n", from, target)
		}
	}
	return b.String()
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("configuration error: stage %q: %s", e.Stage, e.Reason)
	}
	return "configuration error: " + e.Reason
}

// Is makes errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func rank(s Stage) int {
	return slices.Index(all, s)
}
