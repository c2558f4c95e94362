// Package tracing records OpenTelemetry spans for dataflow messages and
// propagates trace context through message envelopes.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

const instrumentationName = "github.com/illmade-knight/go-rabbitflow"

// Tracer turns dataflow hook callbacks into spans. Each message gets a root
// span, started when its state is built, with one child span per stage.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	messages sync.Map // *dataflow.WorkState -> trace.Span
	stages   sync.Map // stageKey -> stageSpan
}

type stageKey struct {
	state *dataflow.WorkState
	stage string
}

type stageSpan struct {
	span   trace.Span
	parent context.Context
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(instrumentationName)
	}
}

// WithPropagator overrides the W3C trace context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *Tracer) {
		t.propagator = p
	}
}

// New creates a Tracer backed by the global tracer provider.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		tracer:     otel.Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Inject writes the span context of ctx into msg.TraceContext.
func (t *Tracer) Inject(ctx context.Context, msg *types.Message) {
	if msg == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	if msg.TraceContext == nil {
		msg.TraceContext = make(map[string]string, len(carrier))
	}
	for k, v := range carrier {
		msg.TraceContext[k] = v
	}
}

// Extract returns ctx carrying the remote span context found in the
// delivery. Envelope trace context wins over AMQP headers.
func (t *Tracer) Extract(ctx context.Context, msg *types.ReceivedMessage) context.Context {
	if msg == nil {
		return ctx
	}
	if msg.Message != nil && len(msg.Message.TraceContext) > 0 {
		return t.propagator.Extract(ctx, propagation.MapCarrier(msg.Message.TraceContext))
	}
	carrier := propagation.MapCarrier{}
	for _, field := range t.propagator.Fields() {
		if v, ok := msg.Headers[field]; ok {
			carrier[field] = fmt.Sprint(v)
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, carrier)
}

// Hooks returns dataflow hooks for the named workflow.
func (t *Tracer) Hooks(workflow string) dataflow.Hooks {
	return dataflow.Hooks{
		OnStateBuilt: func(state *dataflow.WorkState) {
			ctx := t.Extract(state.Context(), state.ReceivedMessage)
			ctx, span := t.tracer.Start(ctx, workflow+".message",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(messageAttributes(workflow, state)...),
			)
			state.SetContext(ctx)
			t.messages.Store(state, span)
		},
		OnStageStart: func(stage string, state *dataflow.WorkState) {
			parent := state.Context()
			ctx, span := t.tracer.Start(parent, stage,
				trace.WithAttributes(attribute.String("rabbitflow.stage", stage)),
			)
			state.SetContext(ctx)
			t.stages.Store(stageKey{state, stage}, stageSpan{span: span, parent: parent})
		},
		OnStageDone: func(stage string, state *dataflow.WorkState, _ time.Duration, err error) {
			v, ok := t.stages.LoadAndDelete(stageKey{state, stage})
			if !ok {
				return
			}
			s := v.(stageSpan)
			state.SetContext(s.parent)
			endSpan(s.span, err)
		},
		OnFinalized: func(state *dataflow.WorkState) {
			t.endMessage(state, nil)
		},
		OnErrorHandled: func(state *dataflow.WorkState, err error) {
			t.endMessage(state, err)
		},
	}
}

func (t *Tracer) endMessage(state *dataflow.WorkState, err error) {
	v, ok := t.messages.LoadAndDelete(state)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attribute.Bool("rabbitflow.skipped", state.Skipped()))
	if stage := state.FaultStage(); stage != "" {
		span.SetAttributes(attribute.String("rabbitflow.fault_stage", stage))
	}
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func messageAttributes(workflow string, state *dataflow.WorkState) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("rabbitflow.workflow", workflow),
	}
	if id := state.MessageID(); id != "" {
		attrs = append(attrs, attribute.String("messaging.message.id", id))
	}
	if msg := state.ReceivedMessage; msg != nil {
		attrs = append(attrs,
			attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
			attribute.String("messaging.consumer.name", msg.ConsumerName),
		)
	}
	return attrs
}
