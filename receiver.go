// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport"
)

type (
	// ReceiveMode selects how messages are handed to a Receiver.
	ReceiveMode int

	// SubQueue selects a sub queue of the receiver's entity.
	SubQueue int

	// ReceiverOptions configure a Receiver. The zero value is a peek-lock receiver without
	// prefetch or idle timeout.
	ReceiverOptions struct {
		ReceiveMode ReceiveMode
		// SessionID binds the receiver to a session of a sessionful queue. Use
		// NextAvailableSession to let the broker pick one.
		SessionID *string
		// Prefetch is the number of messages requested ahead of receive calls. Zero requests
		// messages only while a receive call waits.
		Prefetch int
		// IdleTimeout ends a receive call with no messages and no error once it elapses.
		IdleTimeout time.Duration
		SubQueue    SubQueue
		// RetryOptions overrides the client retry options.
		RetryOptions *RetryOptions
	}

	// Receiver receives and settles messages from one queue. It is safe for concurrent use.
	Receiver struct {
		link        *link
		entityPath  string
		mode        ReceiveMode
		sessionID   *string
		prefetch    uint32
		idleTimeout time.Duration
		tracker     *settlementTracker

		mu           sync.Mutex
		tl           transport.ReceiverLink
		sess         *session
		conn         *connection
		credit       uint32
		boundSession string
	}
)

const (
	// ReceiveModePeekLock locks each message until it is settled or the lock expires.
	ReceiveModePeekLock ReceiveMode = iota
	// ReceiveModeReceiveAndDelete removes each message from the queue on delivery.
	ReceiveModeReceiveAndDelete
)

const (
	SubQueueNone SubQueue = iota
	SubQueueDeadLetter
)

// deadLetterQueueSuffix is appended to an entity path to reach its dead-letter queue.
const deadLetterQueueSuffix = "/$DeadLetterQueue"

// NextAvailableSession asks the broker for any session with messages.
var NextAvailableSession = new(string)

// batchWait is how long a batch receive waits for each message after the first one.
var batchWait = 20 * time.Millisecond

func (m ReceiveMode) String() string {
	switch m {
	case ReceiveModePeekLock:
		return "peeklock"
	case ReceiveModeReceiveAndDelete:
		return "receiveanddelete"
	default:
		return fmt.Sprintf("ReceiveMode(%d)", int(m))
	}
}

func (m ReceiveMode) transport() transport.ReceiveMode {
	if m == ReceiveModeReceiveAndDelete {
		return transport.ReceiveModeReceiveAndDelete
	}
	return transport.ReceiveModePeekLock
}

func validateReceiverOptions(opts *ReceiverOptions) error {
	switch {
	case opts.ReceiveMode != ReceiveModePeekLock && opts.ReceiveMode != ReceiveModeReceiveAndDelete:
		return newError(ValidationError, fmt.Sprintf("unknown receive mode %d", opts.ReceiveMode), nil)
	case opts.Prefetch < 0:
		return newError(ValidationError, "prefetch must not be negative", nil)
	case opts.IdleTimeout < 0:
		return newError(ValidationError, "idle timeout must not be negative", nil)
	case opts.SubQueue != SubQueueNone && opts.SubQueue != SubQueueDeadLetter:
		return newError(ValidationError, fmt.Sprintf("unknown sub queue %d", opts.SubQueue), nil)
	case opts.SessionID != nil && opts.SessionID != NextAvailableSession && *opts.SessionID == "":
		return newError(ValidationError, "session id must not be empty", nil)
	}
	return nil
}

func (r *Receiver) attach(ctx context.Context, sess *session, conn *connection) error {
	opts := transport.ReceiverOptions{Name: r.link.name, Mode: r.mode.transport()}
	if r.sessionID != nil {
		opts.Sessionful = true
		if r.sessionID == NextAvailableSession {
			opts.NextSession = true
		} else {
			opts.SessionID = *r.sessionID
		}
	}

	tl, err := sess.ts.NewReceiver(ctx, r.entityPath, opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tl = tl
	r.sess = sess
	r.conn = conn
	r.credit = 0
	r.boundSession = tl.SessionID()

	if r.prefetch > 0 {
		return r.issueLocked(r.prefetch)
	}
	return nil
}

func (r *Receiver) detach(ctx context.Context) error {
	r.mu.Lock()
	tl := r.release()
	r.mu.Unlock()

	if tl == nil {
		return nil
	}
	return tl.Close(ctx)
}

func (r *Receiver) reset(generation uint64) {
	r.mu.Lock()
	tl := r.release()
	r.mu.Unlock()

	r.tracker.dropGeneration(generation)

	if tl != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
			defer cancel()
			_ = tl.Close(ctx)
		}()
	}
}

// release returns the outstanding credit to the session window and forgets the
// transport link. r.mu must be held.
func (r *Receiver) release() transport.ReceiverLink {
	tl := r.tl
	if r.sess != nil && r.credit > 0 {
		r.sess.window.release(r.credit)
	}
	r.tl = nil
	r.sess = nil
	r.conn = nil
	r.credit = 0
	return tl
}

// issueLocked draws n credits from the session window and grants them on the link.
// r.mu and the connection write lock must be held.
func (r *Receiver) issueLocked(n uint32) error {
	granted := r.sess.window.acquire(n)
	if granted == 0 {
		return newError(ServerBusyError, "session flow window exhausted", nil)
	}

	if err := r.tl.IssueCredit(granted); err != nil {
		r.sess.window.release(granted)
		return err
	}

	r.credit += granted
	return nil
}

// ensureCredit makes sure at least want credits are outstanding and returns the link to
// receive from.
func (r *Receiver) ensureCredit(want uint32) (transport.ReceiverLink, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return nil, newError(LinkLostError, r.entityPath, nil)
	}

	var tl transport.ReceiverLink
	err := conn.write(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.tl == nil {
			return newError(LinkLostError, r.entityPath, nil)
		}
		tl = r.tl

		want = max(want, r.prefetch)
		if r.credit >= want {
			return nil
		}
		return r.issueLocked(want - r.credit)
	})
	return tl, err
}

// delivered accounts for one delivery and registers it for settlement.
func (r *Receiver) delivered(tm *transport.Message, generation uint64) *ReceivedMessage {
	m := newReceivedMessage(tm, generation)

	r.mu.Lock()
	if r.credit > 0 {
		r.credit--
		if r.sess != nil {
			r.sess.window.release(1)
		}
	}
	conn := r.conn
	topUp := r.prefetch > 0 && r.credit < r.prefetch/2+1
	r.mu.Unlock()

	if r.mode == ReceiveModePeekLock && !tm.Settled {
		r.tracker.register(m)
	}

	if topUp && conn != nil {
		err := conn.write(func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.tl == nil || r.credit >= r.prefetch {
				return nil
			}
			return r.issueLocked(r.prefetch - r.credit)
		})
		if err != nil {
			logrus.WithError(err).WithField("entity", r.entityPath).Warn("servicebus failure to top up receiver credit")
		}
	}

	return m
}

// EntityPath returns the queue (or sub queue) the receiver reads from.
func (r *Receiver) EntityPath() string {
	return r.entityPath
}

// ReceiveMode returns the receive mode of the receiver.
func (r *Receiver) ReceiveMode() ReceiveMode {
	return r.mode
}

// SessionID returns the session the receiver is bound to, empty before the first
// receive on a next-available receiver or for non sessionful queues.
func (r *Receiver) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.boundSession != "" {
		return r.boundSession
	}
	if r.sessionID != nil && r.sessionID != NextAvailableSession {
		return *r.sessionID
	}
	return ""
}

// ReceiveMessage waits for one message. It returns nil and no error when the idle
// timeout elapses first.
func (r *Receiver) ReceiveMessage(ctx context.Context) (*ReceivedMessage, error) {
	msgs, err := r.ReceiveMessages(ctx, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ReceiveMessages waits for the first message, then collects whatever else arrives
// promptly, up to maxMessages. It returns an empty result and no error when the idle
// timeout elapses before any message arrives.
func (r *Receiver) ReceiveMessages(ctx context.Context, maxMessages int) ([]*ReceivedMessage, error) {
	if maxMessages <= 0 {
		return nil, newError(ValidationError, "maxMessages must be positive", nil)
	}

	rctx := ctx
	if r.idleTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, r.idleTimeout)
		defer cancel()
	}

	var out []*ReceivedMessage
	err := r.link.do(rctx, "receive", false, func(ctx context.Context, generation uint64) error {
		tl, err := r.ensureCredit(1)
		if err != nil {
			return err
		}

		tm, err := tl.Receive(ctx)
		if err != nil {
			return err
		}
		out = append(out, r.delivered(tm, generation))

		// without prefetch, credit is granted one message at a time so at most one
		// delivery is outstanding when the batch ends
		for len(out) < maxMessages {
			if _, err := r.ensureCredit(1); err != nil {
				break
			}
			bctx, cancel := context.WithTimeout(ctx, batchWait)
			tm, err := tl.Receive(bctx)
			cancel()
			if err != nil {
				break
			}
			out = append(out, r.delivered(tm, generation))
		}
		return nil
	})

	if len(out) > 0 {
		return out, nil
	}
	if err != nil && r.idleTimeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		logrus.WithContext(ctx).WithField("entity", r.entityPath).Debug("servicebus receive idle timeout")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReceiveDeferredMessages fetches deferred messages by sequence number. In peek-lock mode
// they are locked again and must be settled like any other message.
func (r *Receiver) ReceiveDeferredMessages(ctx context.Context, sequenceNumbers []int64) ([]*ReceivedMessage, error) {
	if len(sequenceNumbers) == 0 {
		return nil, nil
	}

	var out []*ReceivedMessage
	err := r.link.do(ctx, "receive deferred", true, func(ctx context.Context, generation uint64) error {
		r.mu.Lock()
		tl := r.tl
		r.mu.Unlock()

		if tl == nil {
			return newError(LinkLostError, r.entityPath, nil)
		}

		tms, err := tl.ReceiveDeferred(ctx, r.mode.transport(), sequenceNumbers)
		if err != nil {
			return err
		}

		out = make([]*ReceivedMessage, 0, len(tms))
		for _, tm := range tms {
			m := newReceivedMessage(tm, generation)
			m.deferred = true
			if r.mode == ReceiveModePeekLock && !tm.Settled {
				r.tracker.register(m)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteMessage removes msg from the queue.
func (r *Receiver) CompleteMessage(ctx context.Context, msg *ReceivedMessage) error {
	return r.settle(ctx, msg, transport.Disposition{Kind: transport.DispositionComplete})
}

// AbandonMessage releases the lock on msg so it can be delivered again.
func (r *Receiver) AbandonMessage(ctx context.Context, msg *ReceivedMessage) error {
	return r.settle(ctx, msg, transport.Disposition{Kind: transport.DispositionAbandon})
}

// DeferMessage sets msg aside. It can only be received again by sequence number.
func (r *Receiver) DeferMessage(ctx context.Context, msg *ReceivedMessage) error {
	return r.settle(ctx, msg, transport.Disposition{Kind: transport.DispositionDefer})
}

// DeadLetterMessage moves msg to the dead-letter queue of the entity.
func (r *Receiver) DeadLetterMessage(ctx context.Context, msg *ReceivedMessage, options *DeadLetterOptions) error {
	d := transport.Disposition{Kind: transport.DispositionDeadLetter}
	if options != nil {
		d.DeadLetterReason = options.Reason
		d.DeadLetterDescription = options.ErrorDescription
		d.PropertiesToModify = options.PropertiesToModify
	}
	return r.settle(ctx, msg, d)
}

func (r *Receiver) settle(ctx context.Context, msg *ReceivedMessage, d transport.Disposition) error {
	if msg == nil {
		return newError(ValidationError, "message is required", nil)
	}
	if r.mode == ReceiveModeReceiveAndDelete {
		return newError(SettlementNotSupportedError, d.Kind.String(), nil)
	}
	if !msg.deferred && !r.link.attachedAt(msg.generation) {
		return newError(MessageLockLostError, "the link that delivered the message was detached", nil)
	}

	finish, err := r.tracker.begin(msg)
	if err != nil {
		return err
	}

	err = r.link.do(ctx, d.Kind.String(), true, func(ctx context.Context, generation uint64) error {
		if !msg.deferred && generation != msg.generation {
			return newError(MessageLockLostError, "the link that delivered the message was detached", nil)
		}

		r.mu.Lock()
		tl, conn := r.tl, r.conn
		r.mu.Unlock()

		if tl == nil || conn == nil {
			return newError(LinkLostError, r.entityPath, nil)
		}

		return conn.write(func() error {
			return tl.Settle(ctx, msg.raw, d)
		})
	})

	finish(err == nil || errors.Is(err, MessageLockLostError))

	if err != nil {
		logrus.
			WithContext(ctx).
			WithError(err).
			WithFields(logrus.Fields{"entity": r.entityPath, "messageID": msg.MessageID, "disposition": d.Kind.String()}).
			Error("servicebus failure to settle message")
	}
	return err
}

// Close detaches the receiver. Unsettled messages are released by the broker when their
// locks expire. Closing twice is a no-op.
func (r *Receiver) Close(ctx context.Context) error {
	return r.link.close(ctx)
}
