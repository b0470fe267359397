// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp091

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/goxkit/servicebus/internal/transport"
)

// Headers carrying broker-assigned message state.
const (
	headerSequenceNumber = "x-opt-sequence-number"
	headerScheduledTime  = "x-opt-scheduled-enqueue-time"
	headerSessionID      = "x-opt-session-id"
	headerTo             = "x-opt-to"
	headerDeliveryCount  = "x-delivery-count"
	headerDeath          = "x-death"

	headerDeadLetterReason      = "DeadLetterReason"
	headerDeadLetterDescription = "DeadLetterErrorDescription"
)

// lockDuration is how long a delivery counts as locked. The broker keeps unacknowledged
// deliveries until the channel closes or its consumer timeout, 30 minutes by default.
const lockDuration = 30 * time.Minute

var (
	lastSequence atomic.Int64

	now = time.Now
)

// nextSequenceNumber returns a process-wide increasing sequence number seeded from the
// clock.
func nextSequenceNumber() int64 {
	for {
		last := lastSequence.Load()
		n := now().UnixNano()
		if n <= last {
			n = last + 1
		}
		if lastSequence.CompareAndSwap(last, n) {
			return n
		}
	}
}

// toPublishing converts an outgoing message.
func toPublishing(m *transport.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range m.ApplicationProperties {
		headers[k] = v
	}
	headers[headerSequenceNumber] = nextSequenceNumber()
	if m.SessionID != "" {
		headers[headerSessionID] = m.SessionID
	}
	if m.To != "" {
		headers[headerTo] = m.To
	}
	if m.ScheduledEnqueueTime != nil {
		headers[headerScheduledTime] = m.ScheduledEnqueueTime.UTC()
	}

	p := amqp.Publishing{
		Headers:       headers,
		ContentType:   m.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		MessageId:     m.MessageID,
		Timestamp:     now().UTC(),
		Type:          m.Subject,
		Body:          m.Body,
	}
	if m.TimeToLive > 0 {
		p.Expiration = strconv.FormatInt(m.TimeToLive.Milliseconds(), 10)
	}
	return p
}

// republish copies a delivery for moving it to another queue. Extra headers are merged
// over the delivery's own.
func republish(d *amqp.Delivery, extra map[string]any) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		if k == headerDeath {
			continue
		}
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	}
}

// fromDelivery converts a delivery. Every delivery gets a fresh lock token.
func fromDelivery(d *amqp.Delivery, lockToken [16]byte) *transport.Message {
	m := &transport.Message{
		MessageID:             d.MessageId,
		Body:                  d.Body,
		ContentType:           d.ContentType,
		CorrelationID:         d.CorrelationId,
		Subject:               d.Type,
		ReplyTo:               d.ReplyTo,
		EnqueuedTime:          d.Timestamp,
		LockToken:             lockToken,
		LockedUntil:           now().Add(lockDuration),
		DeliveryCount:         uint32(deliveryCount(d)) + 1,
		ApplicationProperties: map[string]any{},
	}

	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
		m.TimeToLive = time.Duration(ms) * time.Millisecond
	}

	for k, v := range d.Headers {
		switch k {
		case headerSequenceNumber:
			m.SequenceNumber, _ = asInt64(v)
		case headerSessionID:
			m.SessionID, _ = v.(string)
		case headerTo:
			m.To, _ = v.(string)
		case headerScheduledTime:
			if t, ok := v.(time.Time); ok {
				m.ScheduledEnqueueTime = &t
			}
		case headerDeadLetterReason:
			m.DeadLetterReason, _ = v.(string)
			m.ApplicationProperties[k] = v
		case headerDeadLetterDescription:
			m.DeadLetterDescription, _ = v.(string)
			m.ApplicationProperties[k] = v
		default:
			if k == headerDeliveryCount || k == headerDeath || strings.HasPrefix(k, "x-opt-") {
				continue
			}
			m.ApplicationProperties[k] = v
		}
	}

	return m
}

// deliveryCount is the number of earlier deliveries of d.
func deliveryCount(d *amqp.Delivery) int64 {
	if n, ok := asInt64(d.Headers[headerDeliveryCount]); ok {
		return n
	}
	if d.Redelivered {
		return 1
	}
	return 0
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	default:
		return 0, false
	}
}
