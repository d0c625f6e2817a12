package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/engine"
	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/model/modeltest"
	"github.com/crewflow/crewflow/runtime/agent/prompts"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

// script builds executors driven by a fixed list of supervisor decisions.
// Every executor checks that the conversation never shrinks between
// invocations.
type script struct {
	mu        sync.Mutex
	decisions []stage.Stage
	calls     map[stage.Stage]int
	lastLen   int
	shrunk    bool
}

func newScript(decisions ...stage.Stage) *script {
	return &script{decisions: decisions, calls: make(map[stage.Stage]int)}
}

func (s *script) observe(st stage.Stage, in executor.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[st]++
	if in.State.Len() < s.lastLen {
		s.shrunk = true
	}
	s.lastLen = in.State.Len()
}

func (s *script) executors() map[stage.Stage]executor.Executor {
	fixed := func(st stage.Stage, next stage.Stage, msg bool) executor.Executor {
		return executor.Func(func(_ context.Context, in executor.Input) (run.Delta, stage.Stage, error) {
			s.observe(st, in)
			var d run.Delta
			if msg {
				d.Messages = []run.Message{{Role: run.RoleUser, Stage: st, Content: executor.FormatResponse(st, "done")}}
			}
			return d, next, nil
		})
	}
	execs := map[stage.Stage]executor.Executor{
		stage.Coordinator: fixed(stage.Coordinator, stage.Planner, false),
		stage.Planner: executor.Func(func(_ context.Context, in executor.Input) (run.Delta, stage.Stage, error) {
			s.observe(stage.Planner, in)
			plan := `{"steps":[]}`
			return run.Delta{
				Messages: []run.Message{{Role: run.RoleAgentOutput, Stage: stage.Planner, Content: plan}},
				Plan:     &plan,
			}, stage.Supervisor, nil
		}),
		stage.Supervisor: executor.Func(func(_ context.Context, in executor.Input) (run.Delta, stage.Stage, error) {
			s.observe(stage.Supervisor, in)
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.decisions) == 0 {
				return run.Delta{}, stage.End, nil
			}
			next := s.decisions[0]
			s.decisions = s.decisions[1:]
			return run.Delta{}, next, nil
		}),
	}
	for _, w := range []stage.Stage{stage.Researcher, stage.Coder, stage.Browser, stage.Reporter} {
		execs[w] = fixed(w, stage.Supervisor, true)
	}
	return execs
}

type promptStub struct{}

func (promptStub) Render(s stage.Stage, _ prompts.Vars) (string, error) {
	return "prompt for " + s.String(), nil
}

type collectSink struct {
	events []stream.Event
}

func (s *collectSink) Send(_ context.Context, e stream.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) Close(context.Context) error { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (l *eventLog) HandleEvent(_ context.Context, e hooks.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func newBus(t *testing.T, subs ...hooks.Subscriber) hooks.Bus {
	t.Helper()
	bus := hooks.NewBus()
	for _, s := range subs {
		_, err := bus.Register(s)
		require.NoError(t, err)
	}
	return bus
}

func newState() *run.State {
	return run.NewState([]run.Message{{Role: run.RoleUser, Content: "q"}}, stage.Workers(), run.Params{})
}

func TestRunFollowsRegistry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	reg := stage.DefaultRegistry()

	properties.Property("every transition is allowed and the conversation never shrinks", prop.ForAll(
		func(picks []int) bool {
			choices := []stage.Stage{stage.Researcher, stage.Coder, stage.Browser, stage.Reporter}
			decisions := make([]stage.Stage, len(picks))
			for i, p := range picks {
				decisions[i] = choices[p]
			}
			sc := newScript(decisions...)
			eng, err := engine.New(reg, sc.executors())
			if err != nil {
				return false
			}
			log := &eventLog{}
			state := newState()
			out, err := eng.Run(context.Background(), "run", state, newBus(t, log))
			if err != nil || out.Status != run.StatusCompleted || sc.shrunk {
				return false
			}
			for _, e := range log.events {
				if end, ok := e.(*hooks.StageEndEvent); ok && !reg.Allowed(end.Stage(), end.Next) {
					return false
				}
			}
			// caller input, plan, one report per decision
			return state.Len() == 2+len(decisions) && out.Steps == 3+2*len(decisions)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func TestRunPublishesOrderedTrace(t *testing.T) {
	sc := newScript(stage.Coder)
	eng, err := engine.New(stage.DefaultRegistry(), sc.executors())
	require.NoError(t, err)
	log := &eventLog{}
	out, err := eng.Run(context.Background(), "r1", newState(), newBus(t, log))
	require.NoError(t, err)
	require.Equal(t, run.Outcome{Status: run.StatusCompleted, LastStage: stage.End, Steps: 5}, out)

	var kinds []string
	for _, e := range log.events {
		kinds = append(kinds, string(e.Type())+":"+e.Stage().String())
	}
	require.Equal(t, []string{
		"run_started:coordinator",
		"stage_start:coordinator", "stage_end:coordinator",
		"stage_start:planner", "stage_end:planner",
		"stage_start:supervisor", "stage_end:supervisor",
		"stage_start:coder", "stage_end:coder",
		"stage_start:supervisor", "stage_end:supervisor",
		"run_completed:__end__",
	}, kinds)
	for i, e := range log.events[1 : len(log.events)-1] {
		require.Equal(t, i/2+1, e.Step())
	}
	done := log.events[len(log.events)-1].(*hooks.RunCompletedEvent)
	require.Equal(t, run.StatusCompleted, done.Status)
	require.Len(t, done.Conversation, 3)
}

func TestRunRejectsDisallowedTransition(t *testing.T) {
	sc := newScript()
	execs := sc.executors()
	execs[stage.Coordinator] = executor.Func(func(context.Context, executor.Input) (run.Delta, stage.Stage, error) {
		return run.Delta{Messages: []run.Message{{Role: run.RoleUser, Content: "x"}}}, stage.Coder, nil
	})
	eng, err := engine.New(stage.DefaultRegistry(), execs)
	require.NoError(t, err)
	state := newState()
	out, err := eng.Run(context.Background(), "r1", state, hooks.NewBus())
	require.ErrorIs(t, err, stage.ErrConfiguration)
	require.Equal(t, run.StatusFailed, out.Status)
	require.Equal(t, 1, state.Len(), "rejected delta must not be applied")
}

func TestRunSurfacesOracleFailure(t *testing.T) {
	boom := errors.New("upstream 500")
	sc := newScript()
	execs := sc.executors()
	execs[stage.Coordinator] = executor.NewCoordinator(modeltest.New(modeltest.Reply{Err: boom}), promptStub{}, "")
	eng, err := engine.New(stage.DefaultRegistry(), execs)
	require.NoError(t, err)

	log := &eventLog{}
	out, err := eng.Run(context.Background(), "r1", newState(), newBus(t, log))
	require.ErrorIs(t, err, model.ErrOracle)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "stage coordinator")
	require.Equal(t, run.StatusFailed, out.Status)
	require.Equal(t, stage.Coordinator, out.LastStage)

	done := log.events[len(log.events)-1].(*hooks.RunCompletedEvent)
	require.Equal(t, run.StatusFailed, done.Status)
	require.ErrorIs(t, done.Error, boom)
}

func TestRunFailsWhenSubscriberFails(t *testing.T) {
	broken := errors.New("sink broken")
	sub := hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		if e.Type() == hooks.StageEnd {
			return broken
		}
		return nil
	})
	sc := newScript()
	eng, err := engine.New(stage.DefaultRegistry(), sc.executors())
	require.NoError(t, err)
	out, err := eng.Run(context.Background(), "r1", newState(), newBus(t, sub))
	require.ErrorIs(t, err, broken)
	require.Equal(t, run.StatusFailed, out.Status)
}

func TestRunCanceledDuringToolCall(t *testing.T) {
	clientCtx, disconnect := context.WithCancel(context.Background())
	runCtx, abort := context.WithCancel(context.Background())
	defer abort()
	sink := &collectSink{}
	tr, err := stream.NewTranslator(clientCtx, sink, stream.TranslatorOptions{Abort: abort})
	require.NoError(t, err)

	sc := newScript(stage.Coder, stage.Reporter)
	execs := sc.executors()
	execs[stage.Coder] = executor.Func(func(ctx context.Context, in executor.Input) (run.Delta, stage.Stage, error) {
		sc.observe(stage.Coder, in)
		if err := in.Tracer.ToolStart(ctx, "bash_tool", "i1", nil); err != nil {
			return run.Delta{}, "", err
		}
		disconnect()
		if ctx.Err() != nil {
			return run.Delta{}, "", errors.New("invocation context must not be canceled")
		}
		if err := in.Tracer.ToolEnd(ctx, "bash_tool", "i1", "ok", 0, nil); err != nil {
			return run.Delta{}, "", err
		}
		return run.Delta{Messages: []run.Message{{Role: run.RoleUser, Stage: stage.Coder, Content: "ok"}}}, stage.Supervisor, nil
	})
	eng, err := engine.New(stage.DefaultRegistry(), execs)
	require.NoError(t, err)

	out, err := eng.Run(runCtx, "r1", newState(), newBus(t, tr))
	require.ErrorIs(t, err, engine.ErrCanceled)
	require.Equal(t, run.StatusCanceled, out.Status)
	require.Equal(t, 1, sc.calls[stage.Supervisor], "supervisor must not run after cancellation")
	require.Zero(t, sc.calls[stage.Reporter])
	require.True(t, tr.Stopped())

	last := sink.events[len(sink.events)-1]
	require.Equal(t, stream.EventToolCall, last.Type())
}

func TestInvocationContext(t *testing.T) {
	sc := newScript()
	execs := sc.executors()
	var got engine.Invocation
	execs[stage.Coordinator] = executor.Func(func(ctx context.Context, _ executor.Input) (run.Delta, stage.Stage, error) {
		got, _ = engine.InvocationFromContext(ctx)
		return run.Delta{}, stage.End, nil
	})
	eng, err := engine.New(stage.DefaultRegistry(), execs)
	require.NoError(t, err)
	_, err = eng.Run(context.Background(), "r9", newState(), hooks.NewBus())
	require.NoError(t, err)
	require.Equal(t, engine.Invocation{RunID: "r9", Stage: stage.Coordinator, Step: 1}, got)

	_, ok := engine.InvocationFromContext(context.Background())
	require.False(t, ok)
}

func TestNewValidatesExecutors(t *testing.T) {
	sc := newScript()
	execs := sc.executors()
	delete(execs, stage.Browser)
	_, err := engine.New(stage.DefaultRegistry(), execs)
	require.ErrorIs(t, err, stage.ErrConfiguration)

	execs = sc.executors()
	execs[stage.End] = execs[stage.Coder]
	_, err = engine.New(stage.DefaultRegistry(), execs)
	require.ErrorIs(t, err, stage.ErrConfiguration)

	_, err = engine.New(nil, sc.executors())
	require.ErrorIs(t, err, stage.ErrConfiguration)
}
