// Package runtime is the run submission interface of crewflow. It validates a
// request, creates the run state and drives the engine, in batch or streaming
// mode.
//
// Every run gets its own hooks.Bus. The bus carries a run record subscriber
// and, when events leave the process, a stream.Translator that turns the trace
// into client events and sends them to the run's sinks: the caller's channel
// in streaming mode, the configured extra sink and the run event log.
//
// Example usage:
//
//	rt, err := runtime.New(
//		runtime.WithRegistry(stage.DefaultRegistry()),
//		runtime.WithExecutors(executors),
//	)
//	if err != nil {
//		return err
//	}
//	rs, err := rt.Stream(ctx, runtime.Request{Messages: msgs})
//	if err != nil {
//		return err
//	}
//	for evt := range rs.Events() {
//		fmt.Println(evt.Type())
//	}
//	outcome, err := rs.Wait(ctx)
package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"goa.design/clue/log"

	"github.com/crewflow/crewflow/runtime/agent/engine"
	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/run"
	runinmem "github.com/crewflow/crewflow/runtime/agent/run/inmem"
	"github.com/crewflow/crewflow/runtime/agent/runlog"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/stream"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

type (
	// Runtime submits runs to the engine. It is safe for concurrent use; runs
	// share nothing but the registry, the executors and the stores.
	Runtime struct {
		engine     *engine.Engine
		registry   *stage.Registry
		records    run.Store
		events     runlog.Store
		sink       stream.Sink
		translator stream.TranslatorOptions
		buffer     int
		logger     telemetry.Logger
	}

	// Options configures a Runtime.
	Options struct {
		// Registry is the stage graph. Defaults to stage.DefaultRegistry.
		Registry *stage.Registry
		// Executors binds every non-terminal stage of Registry.
		Executors map[stage.Stage]executor.Executor
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to a noop recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a noop tracer.
		Tracer telemetry.Tracer
		// Sink receives the client events of every run in addition to the
		// caller's stream. It is shared between runs and never closed by the
		// runtime.
		Sink stream.Sink
		// RunEventStore records the client events of every run.
		RunEventStore runlog.Store
		// RunStore records run lifecycle metadata. Defaults to an in-memory
		// store.
		RunStore run.Store
		// Translator configures the client event translator. Input is set
		// per run.
		Translator stream.TranslatorOptions
		// StreamBuffer is the capacity of the channel returned by
		// RunStream.Events. Defaults to DefaultStreamBuffer.
		StreamBuffer int
	}

	// Option configures Options.
	Option func(*Options)

	// Request describes a run.
	Request struct {
		// RunID identifies the run. A random identifier is generated when
		// empty.
		RunID string
		// Messages is the caller's initial conversation. Must not be empty.
		Messages []run.Message
		// DeepThinking selects the reasoning oracle for planning.
		DeepThinking bool
		// SearchBeforePlan runs a web search before planning.
		SearchBeforePlan bool
		// Debug raises the log level of the run to debug.
		Debug bool
		// Labels are copied to the run record.
		Labels map[string]string
	}
)

// DefaultStreamBuffer is the default capacity of a run's event channel.
const DefaultStreamBuffer = 64

var (
	// ErrEmptyInput is returned when a request carries no message.
	ErrEmptyInput = errors.New("input could not be empty")

	// ErrNoRunEventStore is returned by Events when no run event store is
	// configured.
	ErrNoRunEventStore = errors.New("run event store not configured")
)

// WithRegistry sets the stage registry.
func WithRegistry(r *stage.Registry) Option { return func(o *Options) { o.Registry = r } }

// WithExecutors sets the stage executors.
func WithExecutors(x map[stage.Stage]executor.Executor) Option {
	return func(o *Options) { o.Executors = x }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the span tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// WithSink adds a sink receiving the client events of every run.
func WithSink(s stream.Sink) Option { return func(o *Options) { o.Sink = s } }

// WithRunEventStore sets the run event log.
func WithRunEventStore(s runlog.Store) Option { return func(o *Options) { o.RunEventStore = s } }

// WithRunStore sets the run record store.
func WithRunStore(s run.Store) Option { return func(o *Options) { o.RunStore = s } }

// WithTranslatorOptions configures the client event translator.
func WithTranslatorOptions(t stream.TranslatorOptions) Option {
	return func(o *Options) { o.Translator = t }
}

// WithStreamBuffer sets the capacity of streamed event channels.
func WithStreamBuffer(n int) Option { return func(o *Options) { o.StreamBuffer = n } }

// New returns a Runtime. It fails with a *stage.ConfigurationError when the
// executors do not cover the registry.
func New(opts ...Option) (*Runtime, error) {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Registry == nil {
		o.Registry = stage.DefaultRegistry()
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	if o.RunStore == nil {
		o.RunStore = runinmem.New()
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
	if o.Translator.BufferSize < 0 {
		return nil, fmt.Errorf("invalid handoff buffer size %d", o.Translator.BufferSize)
	}
	eng, err := engine.New(o.Registry, o.Executors,
		engine.WithLogger(o.Logger),
		engine.WithMetrics(o.Metrics),
		engine.WithTracer(o.Tracer),
	)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		engine:     eng,
		registry:   o.Registry,
		records:    o.RunStore,
		events:     o.RunEventStore,
		sink:       o.Sink,
		translator: o.Translator,
		buffer:     o.StreamBuffer,
		logger:     o.Logger,
	}, nil
}

// Registry returns the stage registry runs execute over.
func (r *Runtime) Registry() *stage.Registry {
	return r.registry
}

// Run executes req to completion and returns the final run state. The error
// is nil only when the run completed. Client events are still sent to the
// configured sink and run event log.
func (r *Runtime) Run(ctx context.Context, req Request) (*run.State, error) {
	runID, state, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	ctx = runContext(ctx, req)
	bus, err := r.newBus(ctx, runID, req, r.sinks(nil), nil)
	if err != nil {
		return nil, err
	}
	if _, err := r.engine.Run(ctx, runID, state, bus); err != nil {
		return state, err
	}
	return state, nil
}

// Stream starts req in the background and returns its event stream. Canceling
// ctx abandons the run at its next checkpoint and stops event delivery.
// Callers must drain RunStream.Events or cancel ctx.
func (r *Runtime) Stream(ctx context.Context, req Request) (*RunStream, error) {
	runID, state, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	ctx = runContext(ctx, req)
	runCtx, cancel := context.WithCancel(ctx)
	ch := stream.NewChannelSink(r.buffer)
	bus, err := r.newBus(ctx, runID, req, r.sinks(ch), cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	rs := &RunStream{runID: runID, state: state, events: ch.Events(), done: make(chan struct{})}
	go func() {
		defer close(rs.done)
		defer cancel()
		defer func() { _ = ch.Close(ctx) }()
		rs.outcome, rs.err = r.engine.Run(runCtx, runID, state, bus)
	}()
	return rs, nil
}

// Events lists the recorded client events of a run.
func (r *Runtime) Events(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	if r.events == nil {
		return runlog.Page{}, ErrNoRunEventStore
	}
	return r.events.List(ctx, runID, cursor, limit)
}

// Record returns the lifecycle record of a run. The record is zero when the
// run is unknown.
func (r *Runtime) Record(ctx context.Context, runID string) (run.Record, error) {
	return r.records.Load(ctx, runID)
}

// prepare validates req and builds the initial run state.
func (r *Runtime) prepare(req Request) (string, *run.State, error) {
	if len(req.Messages) == 0 {
		return "", nil, ErrEmptyInput
	}
	runID := req.RunID
	if runID == "" {
		runID = newRunID()
	}
	state := run.NewState(req.Messages, r.registry.TeamMembers(), run.Params{
		DeepThinking:     req.DeepThinking,
		SearchBeforePlan: req.SearchBeforePlan,
		Debug:            req.Debug,
	})
	return runID, state, nil
}

// sinks returns the sinks of a run: the run event log, the shared sink and
// the caller's channel, in that order.
func (r *Runtime) sinks(ch stream.Sink) stream.MultiSink {
	var out stream.MultiSink
	if r.events != nil {
		out = append(out, runlog.NewSink(r.events))
	}
	if r.sink != nil {
		out = append(out, r.sink)
	}
	if ch != nil {
		out = append(out, ch)
	}
	return out
}

// newBus returns the bus of a run with its run record subscriber and, when
// there is somewhere to send client events, its translator. abort is called
// when event delivery stops early.
func (r *Runtime) newBus(ctx context.Context, runID string, req Request, sinks stream.MultiSink, abort func()) (hooks.Bus, error) {
	bus := hooks.NewBus()
	if _, err := bus.Register(newRecorder(r.records, r.logger, maps.Clone(req.Labels))); err != nil {
		return nil, err
	}
	if len(sinks) == 0 {
		return bus, nil
	}
	opts := r.translator
	opts.Input = slices.Clone(req.Messages)
	opts.Abort = func() {
		r.logger.Warn(ctx, "client event delivery stopped", "run_id", runID)
		if abort != nil {
			abort()
		}
	}
	tr, err := stream.NewTranslator(ctx, sinks, opts)
	if err != nil {
		return nil, err
	}
	if _, err := bus.Register(tr); err != nil {
		return nil, err
	}
	return bus, nil
}

// runContext raises the log level of debug runs.
func runContext(ctx context.Context, req Request) context.Context {
	if req.Debug {
		return log.Context(ctx, log.WithDebug())
	}
	return ctx
}
