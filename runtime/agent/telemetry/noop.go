package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// discard drops every log line, metric and span. Engines, executors and the
// runtime fall back to it when no Clue-backed implementation is configured.
type discard struct{}

var (
	_ Logger  = discard{}
	_ Metrics = discard{}
	_ Tracer  = discard{}
	_ Span    = discard{}
)

// NewNoopLogger returns a Logger that drops all messages.
func NewNoopLogger() Logger { return discard{} }

// NewNoopMetrics returns a Metrics recorder that drops all samples.
func NewNoopMetrics() Metrics { return discard{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return discard{} }

func (discard) Debug(context.Context, string, ...any) {}
func (discard) Info(context.Context, string, ...any)  {}
func (discard) Warn(context.Context, string, ...any)  {}
func (discard) Error(context.Context, string, ...any) {}

func (discard) IncCounter(string, float64, ...string)        {}
func (discard) RecordTimer(string, time.Duration, ...string) {}
func (discard) RecordGauge(string, float64, ...string)       {}

// Start returns ctx unchanged.
func (d discard) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, d
}

func (d discard) Span(context.Context) Span { return d }

func (discard) End(...trace.SpanEndOption)              {}
func (discard) AddEvent(string, ...any)                 {}
func (discard) SetStatus(codes.Code, string)            {}
func (discard) RecordError(error, ...trace.EventOption) {}
