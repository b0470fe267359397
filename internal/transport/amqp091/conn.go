// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp091

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport"
)

// pollInterval is the pause between empty basic.get polls.
var pollInterval = 50 * time.Millisecond

type (
	conn struct {
		rmq       connection
		done      chan struct{}
		closeOnce sync.Once
	}

	// session is a grouping only. Every link owns its own channel so delivery tags and
	// confirms stay per link.
	session struct {
		conn *conn
	}

	senderLink struct {
		conn   *conn
		ch     channel
		target string
	}

	receiverLink struct {
		conn   *conn
		ch     channel
		source string
		mode   transport.ReceiveMode

		mu     sync.Mutex
		credit uint32
		held   map[[16]byte]*heldDelivery
	}

	// heldDelivery is an unacknowledged delivery, the broker side of a message lock.
	heldDelivery struct {
		delivery amqp.Delivery
		// queue is where abandoned copies go back to.
		queue string
	}
)

func newConn(rmq connection) *conn {
	c := &conn{rmq: rmq, done: make(chan struct{})}

	notify := rmq.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			logrus.WithError(err).Warn("servicebus broker connection closed unexpectedly")
		}
		c.markDone()
	}()

	return c
}

func (c *conn) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// fail maps err, reporting a closed channel on a closed connection as a connection
// failure.
func (c *conn) fail(err error) error {
	if errors.Is(err, amqp.ErrClosed) && c.rmq.IsClosed() {
		c.markDone()
		return fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}

	mapped := mapError(err)
	if errors.Is(mapped, transport.ErrConnection) {
		c.markDone()
	}
	return mapped
}

// Authorize has nothing to do: credentials were presented with SASL PLAIN at dial.
func (c *conn) Authorize(ctx context.Context, audience string, token transport.Token) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", transport.ErrConnection)
	default:
		return nil
	}
}

func (c *conn) NewSession(ctx context.Context) (transport.Session, error) {
	if c.rmq.IsClosed() {
		c.markDone()
		return nil, fmt.Errorf("%w: connection closed", transport.ErrConnection)
	}
	return &session{conn: c}, nil
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	defer c.markDone()
	if c.rmq.IsClosed() {
		return nil
	}
	return mapError(c.rmq.Close())
}

// openChannel opens a channel in confirm mode and declares entity on it.
func (c *conn) openChannel(entity string) (channel, error) {
	ch, err := c.rmq.channel()
	if err != nil {
		logrus.WithError(err).Error("servicebus failure to establish the channel")
		return nil, c.fail(err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, c.fail(err)
	}

	if err := declare(ch, entity); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (s *session) NewSender(ctx context.Context, target string, opts transport.SenderOptions) (transport.SenderLink, error) {
	ch, err := s.conn.openChannel(target)
	if err != nil {
		return nil, err
	}
	return &senderLink{conn: s.conn, ch: ch, target: target}, nil
}

func (s *session) NewReceiver(ctx context.Context, source string, opts transport.ReceiverOptions) (transport.ReceiverLink, error) {
	if opts.Sessionful {
		return nil, fmt.Errorf("%w: sessions require the AMQP 1.0 transport", transport.ErrNotSupported)
	}

	ch, err := s.conn.openChannel(source)
	if err != nil {
		return nil, err
	}

	return &receiverLink{
		conn:   s.conn,
		ch:     ch,
		source: source,
		mode:   opts.Mode,
		held:   map[[16]byte]*heldDelivery{},
	}, nil
}

func (s *session) Close(ctx context.Context) error {
	return nil
}

// publish publishes p to queue through the default exchange and waits for the broker
// confirm.
func publish(ctx context.Context, c *conn, ch channel, queue string, p amqp.Publishing) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, p)
	if err != nil {
		return c.fail(err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return c.fail(err)
	}
	if !acked {
		return fmt.Errorf("%w: broker refused message %s", transport.ErrServerBusy, p.MessageId)
	}
	return nil
}

// Send publishes msg to the target queue. Messages scheduled in the future wait in the
// scheduled queue until their expiration dead-letters them into the target.
func (l *senderLink) Send(ctx context.Context, msg *transport.Message) error {
	p := toPublishing(msg)

	queue := l.target
	if at := msg.ScheduledEnqueueTime; at != nil {
		if delay := at.Sub(now()); delay > 0 {
			queue = scheduledName(l.target)
			p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		}
	}

	return publish(ctx, l.conn, l.ch, queue, p)
}

func (l *senderLink) Window() uint32 {
	return 0
}

func (l *senderLink) Close(ctx context.Context) error {
	if l.ch.IsClosed() {
		return nil
	}
	return mapError(l.ch.Close())
}

// IssueCredit adds credit. Deliveries are pulled with basic.get, one per credit.
func (l *receiverLink) IssueCredit(credit uint32) error {
	if l.ch.IsClosed() {
		return l.conn.fail(amqp.ErrClosed)
	}

	l.mu.Lock()
	l.credit += credit
	l.mu.Unlock()
	return nil
}

func (l *receiverLink) Receive(ctx context.Context) (*transport.Message, error) {
	for {
		m, err := l.poll()
		if err != nil || m != nil {
			return m, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.conn.done:
			return nil, fmt.Errorf("%w: connection closed", transport.ErrConnection)
		case <-time.After(pollInterval):
		}
	}
}

// poll takes one delivery when the link has credit. It returns nil, nil when there is
// nothing to take.
func (l *receiverLink) poll() (*transport.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.credit == 0 {
		return nil, nil
	}

	autoAck := l.mode == transport.ReceiveModeReceiveAndDelete
	d, ok, err := l.ch.Get(l.source, autoAck)
	if err != nil {
		return nil, l.conn.fail(err)
	}
	if !ok {
		return nil, nil
	}

	l.credit--
	if autoAck {
		m := fromDelivery(&d, uuid.New())
		m.Settled = true
		return m, nil
	}
	return l.hold(d, l.source), nil
}

// hold converts d and keeps it unacknowledged until settled. Callers hold l.mu.
func (l *receiverLink) hold(d amqp.Delivery, queue string) *transport.Message {
	m := fromDelivery(&d, uuid.New())
	h := &heldDelivery{delivery: d, queue: queue}
	l.held[m.LockToken] = h
	m.Raw = h
	return m
}

func (l *receiverLink) Settle(ctx context.Context, msg *transport.Message, d transport.Disposition) error {
	if l.mode == transport.ReceiveModeReceiveAndDelete {
		return fmt.Errorf("%w: settling in receive and delete mode", transport.ErrNotSupported)
	}

	l.mu.Lock()
	h, ok := l.held[msg.LockToken]
	if ok {
		delete(l.held, msg.LockToken)
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no delivery holds lock %x", transport.ErrLockLost, msg.LockToken)
	}

	err := l.settle(ctx, h, d)
	if err != nil && !errors.Is(err, transport.ErrLinkLost) && !errors.Is(err, transport.ErrConnection) {
		l.mu.Lock()
		l.held[msg.LockToken] = h
		l.mu.Unlock()
	}
	return err
}

func (l *receiverLink) settle(ctx context.Context, h *heldDelivery, d transport.Disposition) error {
	tag := h.delivery.DeliveryTag
	extra := map[string]any{}
	for k, v := range d.PropertiesToModify {
		extra[k] = v
	}

	var target string
	switch d.Kind {
	case transport.DispositionComplete:
		if err := l.ch.Ack(tag, false); err != nil {
			return l.conn.fail(err)
		}
		return nil
	case transport.DispositionAbandon:
		target = h.queue
		extra[headerDeliveryCount] = deliveryCount(&h.delivery) + 1
	case transport.DispositionDefer:
		target = deferredName(l.source)
	case transport.DispositionDeadLetter:
		target = deadLetterName(l.source)
		extra[headerDeadLetterReason] = d.DeadLetterReason
		extra[headerDeadLetterDescription] = d.DeadLetterDescription
	default:
		return fmt.Errorf("%w: disposition %d", transport.ErrNotSupported, d.Kind)
	}

	if err := publish(ctx, l.conn, l.ch, target, republish(&h.delivery, extra)); err != nil {
		return err
	}
	if err := l.ch.Ack(tag, false); err != nil {
		return l.conn.fail(err)
	}
	return nil
}

// ReceiveDeferred takes the requested messages out of the deferred queue. Messages it
// passes over are requeued. Unless every sequence number is found nothing is taken.
func (l *receiverLink) ReceiveDeferred(ctx context.Context, mode transport.ReceiveMode, sequenceNumbers []int64) ([]*transport.Message, error) {
	want := make(map[int64]bool, len(sequenceNumbers))
	for _, n := range sequenceNumbers {
		want[n] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	queue := deferredName(l.source)
	found := make(map[int64]amqp.Delivery, len(want))
	var skipped []uint64

	release := func(tags []uint64) {
		for _, tag := range tags {
			_ = l.ch.Nack(tag, false, true)
		}
	}

	for len(found) < len(want) {
		if err := ctx.Err(); err != nil {
			release(skipped)
			release(tagsOf(found))
			return nil, err
		}

		d, ok, err := l.ch.Get(queue, false)
		if err != nil {
			release(skipped)
			release(tagsOf(found))
			return nil, l.conn.fail(err)
		}
		if !ok {
			break
		}

		seq, _ := asInt64(d.Headers[headerSequenceNumber])
		if _, dup := found[seq]; want[seq] && !dup {
			found[seq] = d
			continue
		}
		skipped = append(skipped, d.DeliveryTag)
	}
	release(skipped)

	if len(found) < len(want) {
		release(tagsOf(found))
		return nil, fmt.Errorf("%w: %d of %d deferred messages found", transport.ErrNotFound, len(found), len(want))
	}

	out := make([]*transport.Message, 0, len(sequenceNumbers))
	seen := make(map[int64]bool, len(found))
	for _, n := range sequenceNumbers {
		if seen[n] {
			continue
		}
		seen[n] = true

		d := found[n]
		if mode == transport.ReceiveModeReceiveAndDelete {
			if err := l.ch.Ack(d.DeliveryTag, false); err != nil {
				return nil, l.conn.fail(err)
			}
			m := fromDelivery(&d, uuid.New())
			m.Settled = true
			out = append(out, m)
			continue
		}
		out = append(out, l.hold(d, queue))
	}

	return out, nil
}

func tagsOf(deliveries map[int64]amqp.Delivery) []uint64 {
	tags := make([]uint64, 0, len(deliveries))
	for _, d := range deliveries {
		tags = append(tags, d.DeliveryTag)
	}
	return tags
}

func (l *receiverLink) SessionID() string {
	return ""
}

// Close closes the channel. The broker requeues every delivery still held.
func (l *receiverLink) Close(ctx context.Context) error {
	l.mu.Lock()
	l.held = map[[16]byte]*heldDelivery{}
	l.credit = 0
	l.mu.Unlock()

	if l.ch.IsClosed() {
		return nil
	}
	return mapError(l.ch.Close())
}
