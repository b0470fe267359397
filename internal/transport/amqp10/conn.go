// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp10

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/go-amqp"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	sessionFilterName = "com.microsoft:session-filter"
	sessionFilterCode = uint64(0x00000137000000C)
)

type (
	conn struct {
		amqp   *amqp.Conn
		useCBS bool

		mu  sync.Mutex
		cbs *rpcLink

		done      chan struct{}
		closeOnce sync.Once
	}

	session struct {
		conn    *conn
		session *amqp.Session
	}

	senderLink struct {
		conn   *conn
		sender *amqp.Sender
	}

	receiverLink struct {
		conn      *conn
		session   *amqp.Session
		entity    string
		receiver  *amqp.Receiver
		mode      transport.ReceiveMode
		sessionID string

		mu   sync.Mutex
		mgmt *rpcLink
	}
)

func newConn(c *amqp.Conn, useCBS bool) *conn {
	return &conn{amqp: c, useCBS: useCBS, done: make(chan struct{})}
}

// fail maps err and closes the connection when the error means it is gone.
func (c *conn) fail(err error) error {
	mapped := mapError(err)
	if errors.Is(mapped, transport.ErrConnection) {
		c.markDone()
	}
	return mapped
}

func (c *conn) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Authorize performs the CBS put-token exchange. Connections authenticated with SASL
// PLAIN have nothing to present.
func (c *conn) Authorize(ctx context.Context, audience string, token transport.Token) error {
	if !c.useCBS {
		return nil
	}

	cbs, err := c.cbsLink(ctx)
	if err != nil {
		return err
	}

	if _, err := cbs.do(ctx, putTokenRequest(audience, token)); err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			c.mu.Lock()
			c.cbs = nil
			c.mu.Unlock()
		}
		return c.fail(err)
	}
	return nil
}

func (c *conn) cbsLink(ctx context.Context) (*rpcLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cbs != nil {
		return c.cbs, nil
	}

	s, err := c.amqp.NewSession(ctx, nil)
	if err != nil {
		return nil, c.fail(err)
	}

	cbs, err := newRPCLink(ctx, s, cbsAddress)
	if err != nil {
		_ = s.Close(ctx)
		return nil, c.fail(err)
	}

	c.cbs = cbs
	return cbs, nil
}

func (c *conn) NewSession(ctx context.Context) (transport.Session, error) {
	s, err := c.amqp.NewSession(ctx, nil)
	if err != nil {
		return nil, c.fail(err)
	}
	return &session{conn: c, session: s}, nil
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	defer c.markDone()
	return mapError(c.amqp.Close())
}

func (s *session) NewSender(ctx context.Context, target string, opts transport.SenderOptions) (transport.SenderLink, error) {
	sender, err := s.session.NewSender(ctx, target, &amqp.SenderOptions{
		Name:           opts.Name,
		SettlementMode: amqp.SenderSettleModeUnsettled.Ptr(),
	})
	if err != nil {
		return nil, s.conn.fail(err)
	}
	return &senderLink{conn: s.conn, sender: sender}, nil
}

func (s *session) NewReceiver(ctx context.Context, source string, opts transport.ReceiverOptions) (transport.ReceiverLink, error) {
	ro := &amqp.ReceiverOptions{
		Name:                      opts.Name,
		Credit:                    -1,
		SettlementMode:            amqp.ReceiverSettleModeFirst.Ptr(),
		RequestedSenderSettleMode: amqp.SenderSettleModeUnsettled.Ptr(),
	}
	if opts.Mode == transport.ReceiveModeReceiveAndDelete {
		ro.RequestedSenderSettleMode = amqp.SenderSettleModeSettled.Ptr()
	}

	if opts.Sessionful {
		var value any
		if !opts.NextSession {
			value = opts.SessionID
		}
		ro.Filters = []amqp.LinkFilter{amqp.NewLinkFilter(sessionFilterName, sessionFilterCode, value)}
	}

	receiver, err := s.session.NewReceiver(ctx, source, ro)
	if err != nil {
		return nil, s.conn.fail(err)
	}

	l := &receiverLink{
		conn:     s.conn,
		session:  s.session,
		entity:   source,
		receiver: receiver,
		mode:     opts.Mode,
	}
	if opts.Sessionful {
		l.sessionID, _ = receiver.LinkSourceFilterValue(sessionFilterName).(string)
	}
	return l, nil
}

func (s *session) Close(ctx context.Context) error {
	return mapError(s.session.Close(ctx))
}

func (l *senderLink) Send(ctx context.Context, msg *transport.Message) error {
	if err := l.sender.Send(ctx, toAMQP(msg), nil); err != nil {
		return l.conn.fail(err)
	}
	return nil
}

// Window is unknown: go-amqp does not expose the peer's incoming window.
func (l *senderLink) Window() uint32 {
	return 0
}

func (l *senderLink) Close(ctx context.Context) error {
	return mapError(l.sender.Close(ctx))
}

func (l *receiverLink) IssueCredit(credit uint32) error {
	if err := l.receiver.IssueCredit(credit); err != nil {
		return l.conn.fail(err)
	}
	return nil
}

func (l *receiverLink) Receive(ctx context.Context) (*transport.Message, error) {
	am, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, l.conn.fail(err)
	}

	m := fromAMQP(am)
	m.Settled = l.mode == transport.ReceiveModeReceiveAndDelete
	return m, nil
}

func (l *receiverLink) Settle(ctx context.Context, msg *transport.Message, d transport.Disposition) error {
	switch raw := msg.Raw.(type) {
	case *amqp.Message:
		return l.settleOnLink(ctx, raw, d)
	case *deferredDelivery:
		return l.settleByLockToken(ctx, raw.lockToken, d)
	default:
		return fmt.Errorf("%w: message was not delivered by this transport", transport.ErrNotSupported)
	}
}

func (l *receiverLink) settleOnLink(ctx context.Context, am *amqp.Message, d transport.Disposition) error {
	var annotations amqp.Annotations
	if len(d.PropertiesToModify) > 0 {
		annotations = make(amqp.Annotations, len(d.PropertiesToModify))
		for k, v := range d.PropertiesToModify {
			annotations[k] = v
		}
	}

	var err error
	switch d.Kind {
	case transport.DispositionComplete:
		err = l.receiver.AcceptMessage(ctx, am)
	case transport.DispositionAbandon:
		err = l.receiver.ModifyMessage(ctx, am, &amqp.ModifyMessageOptions{Annotations: annotations})
	case transport.DispositionDefer:
		err = l.receiver.ModifyMessage(ctx, am, &amqp.ModifyMessageOptions{UndeliverableHere: true, Annotations: annotations})
	case transport.DispositionDeadLetter:
		info := map[string]any{
			propertyDeadLetterReason:      d.DeadLetterReason,
			propertyDeadLetterDescription: d.DeadLetterDescription,
		}
		for k, v := range d.PropertiesToModify {
			info[k] = v
		}
		err = l.receiver.RejectMessage(ctx, am, &amqp.Error{Condition: condDeadLetter, Info: info})
	default:
		return fmt.Errorf("%w: disposition %d", transport.ErrNotSupported, d.Kind)
	}

	if err != nil {
		return l.conn.fail(err)
	}
	return nil
}

func (l *receiverLink) settleByLockToken(ctx context.Context, lockToken [16]byte, d transport.Disposition) error {
	req, err := dispositionRequest(lockToken, d, l.sessionID)
	if err != nil {
		return err
	}

	mgmt, err := l.management(ctx)
	if err != nil {
		return err
	}

	if _, err := mgmt.do(ctx, req); err != nil {
		return l.conn.fail(err)
	}
	return nil
}

func (l *receiverLink) ReceiveDeferred(ctx context.Context, mode transport.ReceiveMode, sequenceNumbers []int64) ([]*transport.Message, error) {
	mgmt, err := l.management(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := mgmt.do(ctx, receiveBySequenceRequest(mode, l.sessionID, sequenceNumbers))
	if err != nil {
		return nil, l.conn.fail(err)
	}

	msgs, err := deferredMessages(resp)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Settled = mode == transport.ReceiveModeReceiveAndDelete
	}
	return msgs, nil
}

// management returns the management link of the entity, attaching it on first use.
func (l *receiverLink) management(ctx context.Context) (*rpcLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mgmt != nil {
		return l.mgmt, nil
	}

	mgmt, err := newRPCLink(ctx, l.session, l.entity+managementSuffix)
	if err != nil {
		return nil, l.conn.fail(err)
	}
	l.mgmt = mgmt
	return mgmt, nil
}

func (l *receiverLink) SessionID() string {
	return l.sessionID
}

func (l *receiverLink) Close(ctx context.Context) error {
	l.mu.Lock()
	mgmt := l.mgmt
	l.mgmt = nil
	l.mu.Unlock()

	if mgmt != nil {
		_ = mgmt.close(ctx)
	}
	return mapError(l.receiver.Close(ctx))
}
