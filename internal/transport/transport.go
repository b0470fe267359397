// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

// Package transport defines the narrow surface the servicebus engine needs from an
// AMQP library. Adapters live in the sub packages and translate library errors into
// the error kinds declared here.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"time"
)

// Error kinds every adapter maps its library errors onto.
var (
	ErrConnection    = errors.New("transport: connection failure")
	ErrAuthorization = errors.New("transport: unauthorized")
	ErrLinkLost      = errors.New("transport: link detached")
	ErrLockLost      = errors.New("transport: message lock lost")
	ErrTimeout       = errors.New("transport: operation timed out")
	ErrNotFound      = errors.New("transport: entity not found")
	ErrServerBusy    = errors.New("transport: server busy")
	ErrNotSupported  = errors.New("transport: operation not supported")
	ErrClosed        = errors.New("transport: closed")
)

type (
	// ReceiveMode selects how the broker hands deliveries to a receiver link.
	ReceiveMode int

	// DispositionKind is the terminal (or lock releasing) outcome of a delivery.
	DispositionKind int
)

const (
	ReceiveModePeekLock ReceiveMode = iota
	ReceiveModeReceiveAndDelete
)

const (
	DispositionComplete DispositionKind = iota + 1
	DispositionAbandon
	DispositionDefer
	DispositionDeadLetter
)

func (k DispositionKind) String() string {
	switch k {
	case DispositionComplete:
		return "complete"
	case DispositionAbandon:
		return "abandon"
	case DispositionDefer:
		return "defer"
	case DispositionDeadLetter:
		return "deadletter"
	default:
		return "unknown"
	}
}

type (
	// Proxy is an HTTP CONNECT proxy used by the WebSocket transport.
	Proxy struct {
		Hostname string
		Port     int
		Username string
		Password string
	}

	// DialConfig carries everything an adapter needs to open a connection.
	DialConfig struct {
		// Namespace is the fully qualified host, optionally with a port.
		Namespace   string
		ContainerID string
		TLSConfig   *tls.Config
		WebSocket   bool
		Proxy       *Proxy
		// Username and Password are presented with SASL PLAIN when set.
		Username string
		Password string
		Debug    bool
	}

	// Token is an access token presented to the broker for an audience.
	Token struct {
		Value     string
		Type      string
		ExpiresOn time.Time
	}

	// Dialer opens transport connections.
	Dialer interface {
		Dial(ctx context.Context, cfg DialConfig) (Conn, error)
	}

	// DialerFunc adapts a function to Dialer.
	DialerFunc func(ctx context.Context, cfg DialConfig) (Conn, error)

	// Conn is a single network connection to the broker.
	Conn interface {
		// Authorize presents a token for audience on the connection.
		Authorize(ctx context.Context, audience string, token Token) error
		NewSession(ctx context.Context) (Session, error)
		// Done is closed when the connection goes away, locally or remotely.
		Done() <-chan struct{}
		Close() error
	}

	// Session groups links on a connection.
	Session interface {
		NewSender(ctx context.Context, target string, opts SenderOptions) (SenderLink, error)
		NewReceiver(ctx context.Context, source string, opts ReceiverOptions) (ReceiverLink, error)
		Close(ctx context.Context) error
	}

	SenderOptions struct {
		Name string
	}

	ReceiverOptions struct {
		Name string
		Mode ReceiveMode
		// SessionID selects a session on a sessionful entity. When NextSession is set the
		// broker picks the next available session instead.
		SessionID   string
		NextSession bool
		Sessionful  bool
	}

	// SenderLink sends messages to one entity.
	SenderLink interface {
		Send(ctx context.Context, msg *Message) error
		// Window is the number of unacknowledged transfers the broker accepts, 0 if unknown.
		Window() uint32
		Close(ctx context.Context) error
	}

	// ReceiverLink receives messages from one entity. The engine owns credit: adapters
	// never issue credit on their own.
	ReceiverLink interface {
		IssueCredit(credit uint32) error
		Receive(ctx context.Context) (*Message, error)
		Settle(ctx context.Context, msg *Message, d Disposition) error
		ReceiveDeferred(ctx context.Context, mode ReceiveMode, sequenceNumbers []int64) ([]*Message, error)
		// SessionID is the session the link is bound to, empty for non sessionful entities.
		SessionID() string
		Close(ctx context.Context) error
	}

	Disposition struct {
		Kind                  DispositionKind
		DeadLetterReason      string
		DeadLetterDescription string
		PropertiesToModify    map[string]any
	}

	// Message is the adapter neutral message representation.
	Message struct {
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

		LockToken             [16]byte
		SequenceNumber        int64
		EnqueuedTime          time.Time
		LockedUntil           time.Time
		DeliveryCount         uint32
		DeadLetterReason      string
		DeadLetterDescription string
		// Settled is true when the broker delivered the message pre-settled.
		Settled bool
		// Raw is the adapter's own handle for the delivery.
		Raw any
	}
)

// Dial calls f(ctx, cfg).
func (f DialerFunc) Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	return f(ctx, cfg)
}
