// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp10

import (
	"fmt"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	annotationLockedUntil    = "x-opt-locked-until"
	annotationSequenceNumber = "x-opt-sequence-number"
	annotationEnqueuedTime   = "x-opt-enqueued-time"
	annotationScheduledTime  = "x-opt-scheduled-enqueue-time"

	propertyDeadLetterReason      = "DeadLetterReason"
	propertyDeadLetterDescription = "DeadLetterErrorDescription"
)

// toAMQP converts an outgoing message.
func toAMQP(m *transport.Message) *amqp.Message {
	am := amqp.NewMessage(m.Body)

	props := &amqp.MessageProperties{}
	if m.MessageID != "" {
		props.MessageID = m.MessageID
	}
	if m.CorrelationID != "" {
		props.CorrelationID = m.CorrelationID
	}
	props.ContentType = strPtr(m.ContentType)
	props.Subject = strPtr(m.Subject)
	props.To = strPtr(m.To)
	props.ReplyTo = strPtr(m.ReplyTo)
	props.GroupID = strPtr(m.SessionID)
	am.Properties = props

	if m.TimeToLive > 0 {
		am.Header = &amqp.MessageHeader{Durable: true, TTL: m.TimeToLive}
	}

	if len(m.ApplicationProperties) > 0 {
		am.ApplicationProperties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			am.ApplicationProperties[k] = v
		}
	}

	if m.ScheduledEnqueueTime != nil {
		am.Annotations = amqp.Annotations{annotationScheduledTime: m.ScheduledEnqueueTime.UTC()}
	}

	return am
}

// fromAMQP converts a delivered message. The delivery tag carries the lock token.
func fromAMQP(am *amqp.Message) *transport.Message {
	m := &transport.Message{
		Body:                  am.GetData(),
		ApplicationProperties: map[string]any{},
		Raw:                   am,
	}

	if p := am.Properties; p != nil {
		m.MessageID = stringOf(p.MessageID)
		m.CorrelationID = stringOf(p.CorrelationID)
		m.ContentType = deref(p.ContentType)
		m.Subject = deref(p.Subject)
		m.To = deref(p.To)
		m.ReplyTo = deref(p.ReplyTo)
		m.SessionID = deref(p.GroupID)
	}

	if h := am.Header; h != nil {
		m.TimeToLive = h.TTL
		m.DeliveryCount = h.DeliveryCount + 1
	}

	for k, v := range am.ApplicationProperties {
		m.ApplicationProperties[k] = v
	}
	m.DeadLetterReason, _ = am.ApplicationProperties[propertyDeadLetterReason].(string)
	m.DeadLetterDescription, _ = am.ApplicationProperties[propertyDeadLetterDescription].(string)

	if a := am.Annotations; a != nil {
		if t, ok := a[annotationLockedUntil].(time.Time); ok {
			m.LockedUntil = t
		}
		if t, ok := a[annotationEnqueuedTime].(time.Time); ok {
			m.EnqueuedTime = t
		}
		if t, ok := a[annotationScheduledTime].(time.Time); ok {
			m.ScheduledEnqueueTime = &t
		}
		switch n := a[annotationSequenceNumber].(type) {
		case int64:
			m.SequenceNumber = n
		case int32:
			m.SequenceNumber = int64(n)
		}
	}

	if len(am.DeliveryTag) == 16 {
		copy(m.LockToken[:], am.DeliveryTag)
	}

	return m
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringOf(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case amqp.UUID:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
