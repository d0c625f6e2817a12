package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
)

type (
	// TranslatorOptions configures a Translator.
	TranslatorOptions struct {
		// Streamed lists the stages whose lifecycle and replies reach the
		// client. Defaults to DefaultStreamed.
		Streamed []stage.Stage
		// HandoffMarker is the prefix that identifies a coordinator handoff
		// reply. Defaults to DefaultHandoffMarker.
		HandoffMarker string
		// BufferSize is the number of coordinator content tokens withheld
		// before deciding whether the reply is a handoff. Defaults to
		// DefaultBufferSize.
		BufferSize int
		// Input is the caller's initial conversation, reported by
		// WorkflowStart.
		Input []run.Message
		// Abort is called once when the translator stops because the client
		// went away. The runtime uses it to cancel the engine so the run is
		// abandoned at its next checkpoint.
		Abort func()
	}

	// Translator converts the trace of one run into client events. It is a
	// hooks.Subscriber registered on the run's bus and must not be shared
	// between runs: it holds the run's handoff buffer.
	//
	// Coordinator content tokens are withheld until BufferSize of them have
	// arrived. If their concatenation starts with HandoffMarker the run is a
	// handoff case: the buffer is discarded and no further coordinator
	// message is forwarded. Otherwise the concatenation is sent as one
	// message and later tokens of the same invocation are forwarded one by
	// one.
	Translator struct {
		ctx      context.Context
		sink     Sink
		streamed map[stage.Stage]bool
		marker   string
		k        int
		input    []run.Message
		abort    func()

		mu       sync.Mutex
		started  bool
		handoff  bool
		buf      []string
		released bool
		stopped  bool
		err      error
	}
)

const (
	// DefaultHandoffMarker is the coordinator reply prefix that denotes a
	// handoff to planning.
	DefaultHandoffMarker = "handoff"
	// DefaultBufferSize is the default number of withheld coordinator tokens.
	DefaultBufferSize = 2
)

// DefaultStreamed returns the stages streamed to clients by default: every
// stage but the supervisor.
func DefaultStreamed() []stage.Stage {
	return []stage.Stage{
		stage.Coordinator, stage.Planner, stage.Researcher,
		stage.Coder, stage.Browser, stage.Reporter,
	}
}

// NewTranslator returns a Translator sending to sink. ctx is the client
// context: once it is done the translator stops forwarding and calls
// opts.Abort.
func NewTranslator(ctx context.Context, sink Sink, opts TranslatorOptions) (*Translator, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	if opts.BufferSize < 0 {
		return nil, fmt.Errorf("invalid handoff buffer size %d", opts.BufferSize)
	}
	if opts.Streamed == nil {
		opts.Streamed = DefaultStreamed()
	}
	if opts.HandoffMarker == "" {
		opts.HandoffMarker = DefaultHandoffMarker
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	streamed := make(map[stage.Stage]bool, len(opts.Streamed))
	for _, s := range opts.Streamed {
		streamed[s] = true
	}
	return &Translator{
		ctx:      ctx,
		sink:     sink,
		streamed: streamed,
		marker:   opts.HandoffMarker,
		k:        opts.BufferSize,
		input:    slices.Clone(opts.Input),
		abort:    opts.Abort,
	}, nil
}

// Handoff reports whether the run was recognized as a handoff case.
func (t *Translator) Handoff() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handoff
}

// Stopped reports whether the translator stopped forwarding, either because
// the run completed or because the client went away.
func (t *Translator) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Err returns the reason the translator stopped early: the client context
// error or the sink failure. It is nil when the run completed normally.
func (t *Translator) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// HandleEvent implements hooks.Subscriber. It never fails the run: a client
// that went away is reported through Abort and Err instead.
func (t *Translator) HandleEvent(_ context.Context, event hooks.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	if err := t.ctx.Err(); err != nil {
		t.fail(err)
		return nil
	}
	if err := t.translate(event); err != nil {
		t.fail(err)
	}
	return nil
}

func (t *Translator) translate(event hooks.Event) error {
	st := event.Stage()
	switch e := event.(type) {
	case *hooks.StageStartEvent:
		if st == stage.Coordinator {
			t.buf = t.buf[:0]
			t.released = false
		}
		if !t.streamed[st] {
			return nil
		}
		if st == stage.Planner && !t.started {
			t.started = true
			payload := WorkflowStartPayload{WorkflowID: e.RunID(), Input: t.input}
			if err := t.send(WorkflowStart{Base: NewBase(EventWorkflowStart, e.RunID(), payload), Data: payload}); err != nil {
				return err
			}
		}
		payload := AgentPayload{AgentName: st.String(), AgentID: agentID(e)}
		return t.send(AgentStart{Base: NewBase(EventAgentStart, e.RunID(), payload), Data: payload})

	case *hooks.StageEndEvent:
		if !t.streamed[st] {
			return nil
		}
		if err := t.release(e); err != nil {
			return err
		}
		payload := AgentPayload{AgentName: st.String(), AgentID: agentID(e)}
		return t.send(AgentEnd{Base: NewBase(EventAgentEnd, e.RunID(), payload), Data: payload})

	case *hooks.GenerationStartEvent:
		if !t.streamed[st] {
			return nil
		}
		payload := LLMPayload{AgentName: st.String()}
		return t.send(LLMStart{Base: NewBase(EventLLMStart, e.RunID(), payload), Data: payload})

	case *hooks.GenerationEndEvent:
		if !t.streamed[st] {
			return nil
		}
		if err := t.release(e); err != nil {
			return err
		}
		payload := LLMPayload{AgentName: st.String()}
		return t.send(LLMEnd{Base: NewBase(EventLLMEnd, e.RunID(), payload), Data: payload})

	case *hooks.GenerationTokenEvent:
		if !t.streamed[st] {
			return nil
		}
		switch {
		case e.Content != "":
			if st == stage.Coordinator {
				return t.coordinatorToken(e)
			}
			return t.message(e, MessageDelta{Content: e.Content})
		case e.Reasoning != "":
			if st == stage.Coordinator && t.handoff {
				return nil
			}
			return t.message(e, MessageDelta{ReasoningContent: e.Reasoning})
		default:
			return nil
		}

	case *hooks.ToolStartEvent:
		if !st.IsWorker() {
			return nil
		}
		payload := ToolCallPayload{
			ToolCallID: toolCallID(e, e.ToolName, e.InvocationID),
			ToolName:   e.ToolName,
			ToolInput:  e.Input,
		}
		return t.send(ToolCall{Base: NewBase(EventToolCall, e.RunID(), payload), Data: payload})

	case *hooks.ToolEndEvent:
		if !st.IsWorker() {
			return nil
		}
		payload := ToolCallResultPayload{
			ToolCallID: toolCallID(e, e.ToolName, e.InvocationID),
			ToolName:   e.ToolName,
			ToolResult: e.Result,
		}
		return t.send(ToolCallResult{Base: NewBase(EventToolCallResult, e.RunID(), payload), Data: payload})

	case *hooks.RunCompletedEvent:
		t.stopped = true
		if !t.handoff || e.Status != run.StatusCompleted {
			return nil
		}
		msgs := make([]FinalMessage, 0, len(e.Conversation))
		for _, m := range e.Conversation {
			msgs = append(msgs, FinalMessage{Role: string(m.Role), Content: m.Content})
		}
		payload := WorkflowEndPayload{WorkflowID: e.RunID(), Messages: msgs}
		return t.send(WorkflowEnd{Base: NewBase(EventWorkflowEnd, e.RunID(), payload), Data: payload})
	}
	return nil
}

// coordinatorToken applies the handoff buffering rule to one content token.
func (t *Translator) coordinatorToken(e *hooks.GenerationTokenEvent) error {
	if t.handoff {
		return nil
	}
	if t.released {
		return t.message(e, MessageDelta{Content: e.Content})
	}
	t.buf = append(t.buf, e.Content)
	joined := strings.Join(t.buf, "")
	if strings.HasPrefix(joined, t.marker) {
		t.handoff = true
		t.buf = t.buf[:0]
		return nil
	}
	if len(t.buf) < t.k {
		return nil
	}
	t.buf = t.buf[:0]
	t.released = true
	return t.message(e, MessageDelta{Content: joined})
}

// release flushes a coordinator buffer that never filled up, so replies
// shorter than the buffer still reach the client.
func (t *Translator) release(e hooks.Event) error {
	if e.Stage() != stage.Coordinator || t.handoff || t.released || len(t.buf) == 0 {
		return nil
	}
	joined := strings.Join(t.buf, "")
	t.buf = t.buf[:0]
	t.released = true
	return t.message(e, MessageDelta{Content: joined})
}

func (t *Translator) message(e hooks.Event, delta MessageDelta) error {
	payload := MessagePayload{MessageID: agentID(e), Delta: delta}
	return t.send(Message{Base: NewBase(EventMessage, e.RunID(), payload), Data: payload})
}

func (t *Translator) send(event Event) error {
	return t.sink.Send(t.ctx, event)
}

// fail stops the translator and aborts the run.
func (t *Translator) fail(err error) {
	t.stopped = true
	t.err = err
	if t.abort != nil {
		t.abort()
	}
}

// agentID identifies one stage invocation.
func agentID(e hooks.Event) string {
	return fmt.Sprintf("%s_%s_%d", e.RunID(), e.Stage(), e.Step())
}

// toolCallID identifies one tool invocation.
func toolCallID(e hooks.Event, tool, invocationID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", e.RunID(), e.Stage(), tool, invocationID)
}
