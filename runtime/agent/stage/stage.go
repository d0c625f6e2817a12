// Package stage defines the closed set of processing stages of the crew task
// graph and the registry that declares the legal transitions between them.
//
// Stages form a routing table rather than a free graph: every stage declares
// the set of stages it may hand control to, and the registry validates that
// declaration once, at construction time. The engine consults the registry
// after every stage invocation to reject transitions outside the declared set.
package stage

import (
	"errors"
	"fmt"
)

// Stage identifies a named step of the task graph.
type Stage string

const (
	// Coordinator clarifies intent and decides whether to hand off to planning.
	Coordinator Stage = "coordinator"
	// Planner produces the structured execution plan.
	Planner Stage = "planner"
	// Supervisor routes control to the next worker, the reporter or the end.
	Supervisor Stage = "supervisor"
	// Researcher gathers information with search and crawl tools.
	Researcher Stage = "researcher"
	// Coder executes Python code and shell commands.
	Coder Stage = "coder"
	// Browser interacts with web pages.
	Browser Stage = "browser"
	// Reporter writes the final report.
	Reporter Stage = "reporter"
	// End is the terminal pseudo-stage. Reaching it completes the run.
	End Stage = "__end__"
)

// Finish is the routing oracle's token for "no more work". The supervisor maps
// it to End.
const Finish = "FINISH"

// all lists every member of the enumeration in declaration order.
var all = []Stage{Coordinator, Planner, Supervisor, Researcher, Coder, Browser, Reporter, End}

// ErrUnknownStage is returned by Parse for names outside the enumeration.
var ErrUnknownStage = errors.New("unknown stage")

// All returns every stage including End.
func All() []Stage {
	out := make([]Stage, len(all))
	copy(out, all)
	return out
}

// Workers returns the team-worker stages.
func Workers() []Stage {
	return []Stage{Researcher, Coder, Browser}
}

// Parse converts a name into a Stage.
func Parse(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// Valid reports whether s is a member of the enumeration.
func (s Stage) Valid() bool {
	for _, v := range all {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is the End pseudo-stage.
func (s Stage) Terminal() bool {
	return s == End
}

// IsWorker reports whether s is one of the team-worker stages.
func (s Stage) IsWorker() bool {
	switch s {
	case Researcher, Coder, Browser:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}
