// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"time"

	"github.com/google/uuid"

	"github.com/goxkit/servicebus/internal/transport"
)

// Message is a message to send.
type Message struct {
	MessageID             string
	Body                  []byte
	ContentType           string
	CorrelationID         string
	Subject               string
	To                    string
	ReplyTo               string
	SessionID             string
	TimeToLive            time.Duration
	ScheduledEnqueueTime  *time.Time
	ApplicationProperties map[string]any
}

// ReceivedMessage is a message delivered by a Receiver. In peek-lock mode it stays
// locked until settled through the receiver that delivered it, or until LockedUntil.
type ReceivedMessage struct {
	MessageID             string
	Body                  []byte
	ContentType           string
	CorrelationID         string
	Subject               string
	To                    string
	ReplyTo               string
	SessionID             string
	TimeToLive            time.Duration
	ApplicationProperties map[string]any

	LockToken             uuid.UUID
	SequenceNumber        int64
	EnqueuedTime          time.Time
	LockedUntil           time.Time
	DeliveryCount         uint32
	DeadLetterReason      string
	DeadLetterDescription string

	raw        *transport.Message
	generation uint64
	deferred   bool
}

// DeadLetterOptions describe why a message is dead-lettered.
type DeadLetterOptions struct {
	Reason             string
	ErrorDescription   string
	PropertiesToModify map[string]any
}

func (m *Message) toTransport() *transport.Message {
	props := make(map[string]any, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		props[k] = v
	}

	return &transport.Message{
		MessageID:             m.MessageID,
		Body:                  m.Body,
		ContentType:           m.ContentType,
		CorrelationID:         m.CorrelationID,
		Subject:               m.Subject,
		To:                    m.To,
		ReplyTo:               m.ReplyTo,
		SessionID:             m.SessionID,
		TimeToLive:            m.TimeToLive,
		ScheduledEnqueueTime:  m.ScheduledEnqueueTime,
		ApplicationProperties: props,
	}
}

func newReceivedMessage(tm *transport.Message, generation uint64) *ReceivedMessage {
	return &ReceivedMessage{
		MessageID:             tm.MessageID,
		Body:                  tm.Body,
		ContentType:           tm.ContentType,
		CorrelationID:         tm.CorrelationID,
		Subject:               tm.Subject,
		To:                    tm.To,
		ReplyTo:               tm.ReplyTo,
		SessionID:             tm.SessionID,
		TimeToLive:            tm.TimeToLive,
		ApplicationProperties: tm.ApplicationProperties,
		LockToken:             uuid.UUID(tm.LockToken),
		SequenceNumber:        tm.SequenceNumber,
		EnqueuedTime:          tm.EnqueuedTime,
		LockedUntil:           tm.LockedUntil,
		DeliveryCount:         tm.DeliveryCount,
		DeadLetterReason:      tm.DeadLetterReason,
		DeadLetterDescription: tm.DeadLetterDescription,
		raw:                   tm,
		generation:            generation,
	}
}

// Message converts a received message back into a sendable message, e.g. to forward it.
func (m *ReceivedMessage) Message() *Message {
	props := make(map[string]any, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		props[k] = v
	}
	return &Message{
		MessageID:             m.MessageID,
		Body:                  m.Body,
		ContentType:           m.ContentType,
		CorrelationID:         m.CorrelationID,
		Subject:               m.Subject,
		To:                    m.To,
		ReplyTo:               m.ReplyTo,
		SessionID:             m.SessionID,
		TimeToLive:            m.TimeToLive,
		ApplicationProperties: props,
	}
}
