// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func remoteParent() (context.Context, trace.SpanContext) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), sc), sc
}

func TestAMQPPropagator(t *testing.T) {
	var _ propagation.TextMapPropagator = AMQPPropagator

	fields := AMQPPropagator.Fields()
	for _, expected := range []string{"traceparent", "tracestate", "baggage"} {
		found := false
		for _, field := range fields {
			if field == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("AMQPPropagator.Fields() missing expected field: %s", expected)
		}
	}
}

func TestApplicationProperties_Set(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		expected map[string]any
	}{
		{
			name:     "basic set",
			key:      "traceparent",
			value:    "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			expected: map[string]any{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		},
		{
			name:     "uppercase key converted to lowercase",
			key:      "TRACEPARENT",
			value:    "test-value",
			expected: map[string]any{"traceparent": "test-value"},
		},
		{
			name:     "empty value",
			key:      "test-key",
			value:    "",
			expected: map[string]any{"test-key": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := ApplicationProperties{}
			props.Set(tt.key, tt.value)

			if !reflect.DeepEqual(map[string]any(props), tt.expected) {
				t.Errorf("ApplicationProperties.Set() result = %v, want %v", map[string]any(props), tt.expected)
			}
		})
	}
}

func TestApplicationProperties_Get(t *testing.T) {
	props := ApplicationProperties{"traceparent": "tp", "count": 3}

	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"existing key", "traceparent", "tp"},
		{"key lookup is case insensitive", "TraceParent", "tp"},
		{"missing key", "baggage", ""},
		{"non string value", "count", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := props.Get(tt.key); got != tt.expected {
				t.Errorf("ApplicationProperties.Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestApplicationProperties_Keys(t *testing.T) {
	props := ApplicationProperties{"b": "1", "a": "2"}

	keys := props.Keys()
	sort.Strings(keys)
	if !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
}

func TestProducerAndConsumerSpans(t *testing.T) {
	ctx, parent := remoteParent()
	props := map[string]any{}

	_, span := NewProducerSpan(ctx, defaultTracer(), "orders", props)
	span.End()

	tp, _ := props["traceparent"].(string)
	if !strings.Contains(tp, parent.TraceID().String()) {
		t.Fatalf("traceparent = %q, want trace id %s", tp, parent.TraceID())
	}

	consumerCtx, consumer := NewConsumerSpan(defaultTracer(), props, "servicebus.orderCreated")
	defer consumer.End()

	if got := trace.SpanContextFromContext(consumerCtx).TraceID(); got != parent.TraceID() {
		t.Errorf("consumer trace id = %s, want %s", got, parent.TraceID())
	}
}

func TestNewProducerSpan_NilProperties(t *testing.T) {
	ctx, _ := remoteParent()
	_, span := NewProducerSpan(ctx, defaultTracer(), "orders", nil)
	span.End()
}

func TestSender_PropagatesTraceContext(t *testing.T) {
	c, b := newTestClient(t, nil)
	s := newTestSender(t, c, "orders")

	ctx, parent := remoteParent()
	if err := s.SendMessage(ctx, &Message{Body: []byte("traced")}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	tp, _ := b.Messages("orders")[0].ApplicationProperties["traceparent"].(string)
	if !strings.Contains(tp, parent.TraceID().String()) {
		t.Errorf("traceparent = %q, want trace id %s", tp, parent.TraceID())
	}
}
