// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	// JsonContentType is the MIME type used for JSON message content.
	JsonContentType = "application/json"

	// MessageTypeProperty is the application property carrying the Go type of a payload
	// sent with Send.
	MessageTypeProperty = "type"

	defaultSenderWindow = 5000
)

type (
	// SenderOptions configure a Sender.
	SenderOptions struct {
		// RetryOptions overrides the client retry options when MaxAttempts is set.
		RetryOptions *RetryOptions
	}

	// Sender sends messages to a queue or topic. It is safe for concurrent use.
	Sender struct {
		link       *link
		entityPath string
		tracer     trace.Tracer

		mu     sync.Mutex
		tl     transport.SenderLink
		window chan struct{}
	}
)

func (s *Sender) attach(ctx context.Context, sess *session, _ *connection) error {
	tl, err := sess.ts.NewSender(ctx, s.entityPath, transport.SenderOptions{Name: s.link.name})
	if err != nil {
		return err
	}

	size := tl.Window()
	if size == 0 {
		size = defaultSenderWindow
	}

	s.mu.Lock()
	s.tl = tl
	s.window = make(chan struct{}, size)
	s.mu.Unlock()
	return nil
}

func (s *Sender) detach(ctx context.Context) error {
	s.mu.Lock()
	tl := s.tl
	s.tl = nil
	s.mu.Unlock()

	if tl == nil {
		return nil
	}
	return tl.Close(ctx)
}

func (s *Sender) reset(uint64) {
	s.mu.Lock()
	tl := s.tl
	s.tl = nil
	s.mu.Unlock()

	if tl != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
			defer cancel()
			_ = tl.Close(ctx)
		}()
	}
}

// EntityPath returns the queue or topic the sender sends to.
func (s *Sender) EntityPath() string {
	return s.entityPath
}

// SendMessage sends msg and blocks until the broker accepts it, ctx ends or retries are
// exhausted. A missing MessageID is filled with a time ordered UUID.
func (s *Sender) SendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return newError(ValidationError, "message is required", nil)
	}

	tm := msg.toTransport()
	if tm.MessageID == "" {
		tm.MessageID = newMessageID()
	}

	ctx, span := NewProducerSpan(ctx, s.tracer, s.entityPath, tm.ApplicationProperties)
	defer span.End()

	err := s.link.do(ctx, "send", true, func(ctx context.Context, _ uint64) error {
		s.mu.Lock()
		tl, window := s.tl, s.window
		s.mu.Unlock()

		if tl == nil {
			return newError(LinkLostError, s.entityPath, nil)
		}

		select {
		case window <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-window }()

		// transfers are multiplexed per link by the transport, outside the write lock
		return tl.Send(ctx, tm)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		logrus.
			WithContext(ctx).
			WithError(err).
			WithFields(logrus.Fields{"entity": s.entityPath, "messageID": tm.MessageID}).
			Error("servicebus failure to send message")
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Send encodes payload and sends it. Byte slices are sent as is with a detected content
// type, any other payload is JSON encoded. The payload's Go type travels in the type
// application property so a Processor can decode it.
func (s *Sender) Send(ctx context.Context, payload any, options ...*Option) error {
	msg := &Message{ApplicationProperties: map[string]any{}}

	switch p := payload.(type) {
	case nil:
		return newError(ValidationError, "payload is required", nil)
	case []byte:
		msg.Body = p
		msg.ContentType = mimetype.Detect(p).String()
	default:
		byt, err := json.Marshal(p)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).Error("servicebus sender marshal")
			return newError(ValidationError, "payload is not JSON encodable", err)
		}
		msg.Body = byt
		msg.ContentType = JsonContentType
		msg.ApplicationProperties[MessageTypeProperty] = fmt.Sprintf("%T", p)
	}

	applyOptions(msg, options)

	return s.SendMessage(ctx, msg)
}

// SendMessages sends msgs in order and stops at the first failure.
func (s *Sender) SendMessages(ctx context.Context, msgs []*Message) error {
	for i, msg := range msgs {
		if err := s.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// Close detaches the sender. Closing twice is a no-op.
func (s *Sender) Close(ctx context.Context) error {
	return s.link.close(ctx)
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
