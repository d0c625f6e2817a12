// Package run defines the shared Run State threaded through every stage of a
// single workflow run, together with the run lifecycle records used for
// observability.
//
// A State is owned by exactly one engine invocation. Executors never mutate it
// directly: they return a Delta which the engine applies, which keeps the
// conversation append-only and the plan write-once.
package run

import (
	"errors"
	"slices"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

type (
	// Role identifies the author of a conversation message.
	Role string

	// Message is a single conversation entry.
	Message struct {
		// Role is RoleUser for caller input and worker reports, RoleAgentOutput
		// for stage replies.
		Role Role `json:"role"`
		// Stage labels the stage that produced the message. Empty for caller
		// input.
		Stage stage.Stage `json:"name,omitempty"`
		// Content is the message text.
		Content string `json:"content"`
	}

	// Params are the caller-supplied run parameters, fixed at run start.
	Params struct {
		// DeepThinking selects the reasoning oracle strength for planning.
		DeepThinking bool
		// SearchBeforePlan makes planning run one web search first.
		SearchBeforePlan bool
		// Debug raises log verbosity for the run.
		Debug bool
	}

	// State is the mutable record of one run.
	State struct {
		conversation []Message
		teamMembers  []stage.Stage
		nextStage    stage.Stage
		plan         *string
		params       Params
	}

	// Delta is the change an executor asks the engine to apply. Messages are
	// appended to the conversation; Plan, when set, is written once.
	Delta struct {
		Messages []Message
		Plan     *string
	}
)

const (
	// RoleUser marks caller input and worker reports.
	RoleUser Role = "user"
	// RoleAgentOutput marks replies produced by a stage.
	RoleAgentOutput Role = "agent-output"
)

// ErrPlanAlreadySet is returned when a delta writes the plan a second time.
var ErrPlanAlreadySet = errors.New("plan already set")

// NewState returns the initial state of a run.
func NewState(messages []Message, team []stage.Stage, params Params) *State {
	return &State{
		conversation: slices.Clone(messages),
		teamMembers:  slices.Clone(team),
		params:       params,
	}
}

// Conversation returns a copy of the conversation.
func (s *State) Conversation() []Message {
	return slices.Clone(s.conversation)
}

// Len returns the number of conversation messages.
func (s *State) Len() int {
	return len(s.conversation)
}

// Last returns the most recent message and whether there is one.
func (s *State) Last() (Message, bool) {
	if len(s.conversation) == 0 {
		return Message{}, false
	}
	return s.conversation[len(s.conversation)-1], true
}

// TeamMembers returns the worker stages of the run.
func (s *State) TeamMembers() []stage.Stage {
	return slices.Clone(s.teamMembers)
}

// NextStage returns the stage the engine will invoke next.
func (s *State) NextStage() stage.Stage {
	return s.nextStage
}

// SetNextStage records the routing decision of the stage that just ran. Only
// the engine calls it.
func (s *State) SetNextStage(next stage.Stage) {
	s.nextStage = next
}

// Plan returns the plan and whether it was set.
func (s *State) Plan() (string, bool) {
	if s.plan == nil {
		return "", false
	}
	return *s.plan, true
}

// Params returns the run parameters.
func (s *State) Params() Params {
	return s.params
}

// Apply merges d into the state. Messages are appended in order. Apply fails
// without modifying the state when d sets a plan that is already set.
func (s *State) Apply(d Delta) error {
	if d.Plan != nil && s.plan != nil {
		return ErrPlanAlreadySet
	}
	s.conversation = append(s.conversation, d.Messages...)
	if d.Plan != nil {
		p := *d.Plan
		s.plan = &p
	}
	return nil
}

// Snapshot returns a deep copy of the state for an executor to read.
func (s *State) Snapshot() *State {
	cp := &State{
		conversation: slices.Clone(s.conversation),
		teamMembers:  slices.Clone(s.teamMembers),
		nextStage:    s.nextStage,
		params:       s.params,
	}
	if s.plan != nil {
		p := *s.plan
		cp.plan = &p
	}
	return cp
}

// IsEmpty reports whether the delta changes nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Messages) == 0 && d.Plan == nil
}
