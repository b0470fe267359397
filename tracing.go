// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goxkit/servicebus"

// AMQPPropagator injects and extracts W3C trace context and baggage through message
// application properties.
var AMQPPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// ApplicationProperties adapts message application properties to a TextMapCarrier.
// Keys are stored lower case.
type ApplicationProperties map[string]any

var _ propagation.TextMapCarrier = ApplicationProperties(nil)

// Get returns the string value of key, empty when missing or not a string.
func (p ApplicationProperties) Get(key string) string {
	v, ok := p[strings.ToLower(key)]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set stores value under the lower cased key.
func (p ApplicationProperties) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

// Keys returns the property names.
func (p ApplicationProperties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// NewProducerSpan starts a producer span for a send to entityPath and injects its
// context into props.
func NewProducerSpan(ctx context.Context, tracer trace.Tracer, entityPath string, props map[string]any) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "servicebus send "+entityPath,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "servicebus"),
			attribute.String("messaging.destination.name", entityPath),
		),
	)
	if props != nil {
		AMQPPropagator.Inject(ctx, ApplicationProperties(props))
	}
	return ctx, span
}

// NewConsumerSpan extracts the trace context carried by props and starts a consumer span
// as its child.
func NewConsumerSpan(tracer trace.Tracer, props map[string]any, messageType string) (context.Context, trace.Span) {
	ctx := context.Background()
	if props != nil {
		ctx = AMQPPropagator.Extract(ctx, ApplicationProperties(props))
	}
	return tracer.Start(ctx, "servicebus process "+messageType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.system", "servicebus")),
	)
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
