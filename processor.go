// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	HandlerDefinitionByType HandlerDefinitionType = iota + 1
	HandlerDefinitionBySubject
)

const (
	// DefaultMaxDeliveryCount is the delivery count after which retryable failures are
	// dead-lettered instead of abandoned.
	DefaultMaxDeliveryCount = 10

	DeadLetterReasonNoHandler          = "NoHandler"
	DeadLetterReasonDecodeFailed       = "DecodeFailed"
	DeadLetterReasonProcessingFailed   = "ProcessingFailed"
	DeadLetterReasonMaxDeliveryReached = "MaxDeliveryCountExceeded"
)

type (
	HandlerDefinitionType int

	// Handler is called with the decoded message and the delivery metadata. Returning an
	// error wrapping RetryableError asks for a redelivery.
	Handler = func(ctx context.Context, msg any, metadata *DeliveryMetadata) error

	// DeliveryMetadata describes a delivered message.
	DeliveryMetadata struct {
		MessageID             string
		Type                  string
		Subject               string
		SessionID             string
		DeliveryCount         uint32
		SequenceNumber        int64
		EnqueuedTime          time.Time
		ApplicationProperties map[string]any
	}

	// ProcessorOptions configure a Processor.
	ProcessorOptions struct {
		// MaxConcurrentCalls is the number of messages handled at once. Zero means 1.
		MaxConcurrentCalls int
		// MaxDeliveryCount is the delivery count after which retryable failures are
		// dead-lettered. Zero means DefaultMaxDeliveryCount.
		MaxDeliveryCount uint32
		// ReceiveErrorDelay is the pause after a failed receive. Zero means 5s.
		ReceiveErrorDelay time.Duration
	}

	handlerDefinition struct {
		typ     HandlerDefinitionType
		subject string
		msgType string
		rtype   reflect.Type
		handler Handler
	}

	// Processor receives messages from a Receiver and dispatches them to handlers
	// registered by message type or subject, settling each message with the outcome.
	Processor struct {
		receiver  *Receiver
		opts      ProcessorOptions
		byType    map[string]*handlerDefinition
		bySubject map[string]*handlerDefinition
		tracer    trace.Tracer
		signalCh  chan os.Signal

		mu      sync.RWMutex
		running bool
	}
)

// NewProcessor creates a processor reading from receiver.
func NewProcessor(receiver *Receiver, options *ProcessorOptions) *Processor {
	var opts ProcessorOptions
	if options != nil {
		opts = *options
	}
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = 1
	}
	if opts.MaxDeliveryCount == 0 {
		opts.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if opts.ReceiveErrorDelay <= 0 {
		opts.ReceiveErrorDelay = 5 * time.Second
	}

	return &Processor{
		receiver:  receiver,
		opts:      opts,
		byType:    map[string]*handlerDefinition{},
		bySubject: map[string]*handlerDefinition{},
		tracer:    defaultTracer(),
		signalCh:  make(chan os.Signal, 1),
	}
}

// RegisterByType handles messages whose type property names the type of sample.
func (p *Processor) RegisterByType(sample any, handler Handler) error {
	if sample == nil || handler == nil {
		logrus.Error("servicebus invalid parameters to register handler")
		return InvalidHandlerParamsError
	}

	msgType := typeName(sample)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byType[msgType]; ok {
		logrus.Error("servicebus handler already registered for this message")
		return HandlerAlreadyRegisteredError
	}

	p.byType[msgType] = &handlerDefinition{
		typ:     HandlerDefinitionByType,
		msgType: msgType,
		rtype:   valueType(sample),
		handler: handler,
	}
	return nil
}

// RegisterBySubject handles messages with the given subject, decoding them into the
// type of sample.
func (p *Processor) RegisterBySubject(subject string, sample any, handler Handler) error {
	if subject == "" || sample == nil || handler == nil {
		logrus.Error("servicebus invalid parameters to register handler")
		return InvalidHandlerParamsError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.bySubject[subject]; ok {
		logrus.Error("servicebus handler already registered for this subject")
		return HandlerAlreadyRegisteredError
	}

	p.bySubject[subject] = &handlerDefinition{
		typ:     HandlerDefinitionBySubject,
		subject: subject,
		msgType: typeName(sample),
		rtype:   valueType(sample),
		handler: handler,
	}
	return nil
}

// typeName is the registration key of sample, ignoring pointer indirection.
func typeName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}

func valueType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// RunBlocking runs the processor until SIGINT, SIGTERM or SIGQUIT.
func (p *Processor) RunBlocking() error {
	signal.Notify(p.signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(p.signalCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-p.signalCh:
			logrus.Info("servicebus signal received, closing processor")
			cancel()
		case <-ctx.Done():
		}
	}()

	return p.Run(ctx)
}

// Run receives and handles messages until ctx ends. It returns nil on cancellation and
// an error when the receiver or its client was closed.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return newError(ValidationError, "processor is already running", nil)
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	logrus.WithField("entity", p.receiver.EntityPath()).Info("servicebus processor started, waiting for messages...")

	msgs := make(chan *ReceivedMessage)
	var wg sync.WaitGroup
	for range p.opts.MaxConcurrentCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				p.process(ctx, m)
			}
		}()
	}

	err := p.receiveLoop(ctx, msgs)

	close(msgs)
	wg.Wait()

	logrus.WithField("entity", p.receiver.EntityPath()).Info("servicebus processor stopped")
	return err
}

func (p *Processor) receiveLoop(ctx context.Context, msgs chan<- *ReceivedMessage) error {
	for {
		m, err := p.receiver.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ClientClosedError) || errors.Is(err, ConnectionClosedError) {
				return err
			}

			logrus.WithError(err).WithField("entity", p.receiver.EntityPath()).Error("servicebus processor failure to receive, retrying...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.ReceiveErrorDelay):
			}
			continue
		}
		if m == nil {
			continue
		}

		select {
		case msgs <- m:
		case <-ctx.Done():
			p.abandon(context.WithoutCancel(ctx), m)
			return nil
		}
	}
}

// process decodes m, runs its handler and settles it with the outcome.
func (p *Processor) process(ctx context.Context, m *ReceivedMessage) {
	settleCtx := context.WithoutCancel(ctx)
	metadata := extractMetadata(m)

	def := p.lookup(metadata)
	if def == nil {
		logrus.
			WithField("messageID", metadata.MessageID).
			Warnf("servicebus no handler found for message type: %s", metadata.Type)
		p.deadLetter(settleCtx, m, DeadLetterReasonNoHandler, "no handler registered for "+metadata.Type)
		return
	}

	logrus.
		WithField("messageID", metadata.MessageID).
		Debugf("servicebus received message: %s", def.msgType)

	ctx, span := NewConsumerSpan(p.tracer, m.ApplicationProperties, def.msgType)
	defer span.End()

	ptr := reflect.New(def.rtype).Interface()
	if err := json.Unmarshal(m.Body, ptr); err != nil {
		span.RecordError(err)
		logrus.
			WithContext(ctx).
			WithError(err).
			WithField("messageID", metadata.MessageID).
			Errorf("servicebus unmarshal error: %s", def.msgType)
		p.deadLetter(settleCtx, m, DeadLetterReasonDecodeFailed, err.Error())
		return
	}

	hErr := def.handler(ctx, ptr, metadata)
	if hErr == nil {
		logrus.
			WithContext(ctx).
			WithField("messageID", metadata.MessageID).
			Debug("servicebus message processed properly")
		p.complete(settleCtx, m)
		span.SetStatus(codes.Ok, "success")
		return
	}

	span.RecordError(hErr)
	span.SetStatus(codes.Error, "handler failed")
	logrus.
		WithContext(ctx).
		WithError(hErr).
		WithField("messageID", metadata.MessageID).
		Error("servicebus error to process message")

	if !errors.Is(hErr, RetryableError) {
		p.deadLetter(settleCtx, m, DeadLetterReasonProcessingFailed, hErr.Error())
		return
	}

	if m.DeliveryCount >= p.opts.MaxDeliveryCount {
		logrus.
			WithContext(ctx).
			WithField("messageID", metadata.MessageID).
			Warn("servicebus message reprocessed to many times, sending to dead letter")
		p.deadLetter(settleCtx, m, DeadLetterReasonMaxDeliveryReached, hErr.Error())
		return
	}

	logrus.
		WithContext(ctx).
		WithField("messageID", metadata.MessageID).
		Warn("servicebus send message to process latter")
	p.abandon(settleCtx, m)
}

func extractMetadata(m *ReceivedMessage) *DeliveryMetadata {
	typ, _ := m.ApplicationProperties[MessageTypeProperty].(string)

	return &DeliveryMetadata{
		MessageID:             m.MessageID,
		Type:                  strings.TrimLeft(typ, "*"),
		Subject:               m.Subject,
		SessionID:             m.SessionID,
		DeliveryCount:         m.DeliveryCount,
		SequenceNumber:        m.SequenceNumber,
		EnqueuedTime:          m.EnqueuedTime,
		ApplicationProperties: m.ApplicationProperties,
	}
}

func (p *Processor) lookup(metadata *DeliveryMetadata) *handlerDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if metadata.Type != "" {
		if def, ok := p.byType[metadata.Type]; ok {
			return def
		}
	}
	if metadata.Subject != "" {
		if def, ok := p.bySubject[metadata.Subject]; ok {
			return def
		}
	}
	return nil
}

func (p *Processor) settles() bool {
	return p.receiver.ReceiveMode() == ReceiveModePeekLock
}

func (p *Processor) complete(ctx context.Context, m *ReceivedMessage) {
	if !p.settles() {
		return
	}
	if err := p.receiver.CompleteMessage(ctx, m); err != nil {
		logrus.WithError(err).WithField("messageID", m.MessageID).Error("servicebus failure to complete message")
	}
}

func (p *Processor) abandon(ctx context.Context, m *ReceivedMessage) {
	if !p.settles() {
		return
	}
	if err := p.receiver.AbandonMessage(ctx, m); err != nil {
		logrus.WithError(err).WithField("messageID", m.MessageID).Error("servicebus failure to abandon message")
	}
}

func (p *Processor) deadLetter(ctx context.Context, m *ReceivedMessage, reason, description string) {
	if !p.settles() {
		return
	}
	err := p.receiver.DeadLetterMessage(ctx, m, &DeadLetterOptions{Reason: reason, ErrorDescription: description})
	if err != nil {
		logrus.WithError(err).WithField("messageID", m.MessageID).Error("servicebus failure to dead letter message")
	}
}
