// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"reflect"
	"testing"
	"time"
)

func TestOptionsBuilder(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	options := NewOption().
		WithApplicationProperties(map[string]any{"tenant": "acme"}).
		WithSessionID("s-1").
		WithTimeToLive(time.Minute).
		WithScheduledEnqueueTime(at).
		WithCorrelationID("corr").
		WithSubject("orders.created").
		WithContentType("application/xml").
		WithMessageID("m-1").
		WithOption(&Option{Key: "x-custom", Value: "ignored"}).
		Build()

	if len(options) != 9 {
		t.Fatalf("Build() returned %d options, want 9", len(options))
	}

	msg := &Message{ApplicationProperties: map[string]any{"existing": true}}
	applyOptions(msg, options)

	expected := &Message{
		MessageID:             "m-1",
		ContentType:           "application/xml",
		CorrelationID:         "corr",
		Subject:               "orders.created",
		SessionID:             "s-1",
		TimeToLive:            time.Minute,
		ScheduledEnqueueTime:  &at,
		ApplicationProperties: map[string]any{"existing": true, "tenant": "acme"},
	}
	if !reflect.DeepEqual(msg, expected) {
		t.Errorf("applyOptions() = %+v, want %+v", msg, expected)
	}
}

func TestApplyOptions_IgnoresWrongTypes(t *testing.T) {
	tests := []struct {
		name   string
		option *Option
	}{
		{"nil option", nil},
		{"session id as int", &Option{Key: OptionSessionIDKey, Value: 7}},
		{"ttl as string", &Option{Key: OptionTimeToLiveKey, Value: "1m"}},
		{"schedule as pointer", &Option{Key: OptionScheduledEnqueueTimeKey, Value: &time.Time{}}},
		{"properties as slice", &Option{Key: OptionApplicationPropertiesKey, Value: []string{"a"}}},
		{"unknown key", &Option{Key: "Priority", Value: "high"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{ApplicationProperties: map[string]any{}}
			applyOptions(msg, []*Option{tt.option})

			if !reflect.DeepEqual(msg, &Message{ApplicationProperties: map[string]any{}}) {
				t.Errorf("applyOptions() = %+v, want an unchanged message", msg)
			}
		})
	}
}

func TestReceivedMessage_Message(t *testing.T) {
	received := &ReceivedMessage{
		MessageID:             "m-1",
		Body:                  []byte("payload"),
		Subject:               "orders.created",
		SessionID:             "s-1",
		ApplicationProperties: map[string]any{"tenant": "acme"},
		SequenceNumber:        10,
		DeliveryCount:         2,
	}

	msg := received.Message()
	if msg.MessageID != "m-1" || string(msg.Body) != "payload" || msg.Subject != "orders.created" || msg.SessionID != "s-1" {
		t.Errorf("Message() = %+v", msg)
	}

	msg.ApplicationProperties["tenant"] = "other"
	if received.ApplicationProperties["tenant"] != "acme" {
		t.Error("Message() must copy the application properties")
	}
}
