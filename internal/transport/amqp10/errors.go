// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp10

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Azure/go-amqp"

	"github.com/goxkit/servicebus/internal/transport"
)

// Broker error conditions.
const (
	condUnauthorized     amqp.ErrCond = "amqp:unauthorized-access"
	condNotFound         amqp.ErrCond = "amqp:not-found"
	condDetachForced     amqp.ErrCond = "amqp:link:detach-forced"
	condStolen           amqp.ErrCond = "amqp:link:stolen"
	condResourceLimit    amqp.ErrCond = "amqp:resource-limit-exceeded"
	condConnectionForced amqp.ErrCond = "amqp:connection:forced"
	condMessageLockLost  amqp.ErrCond = "com.microsoft:message-lock-lost"
	condSessionLockLost  amqp.ErrCond = "com.microsoft:session-lock-lost"
	condSessionLocked    amqp.ErrCond = "com.microsoft:session-cannot-be-locked"
	condServerBusy       amqp.ErrCond = "com.microsoft:server-busy"
	condTimeout          amqp.ErrCond = "com.microsoft:timeout"
	condEntityDisabled   amqp.ErrCond = "com.microsoft:entity-disabled"
	condDeadLetter       amqp.ErrCond = "com.microsoft:dead-letter"
)

// mapError translates a go-amqp error into a transport error kind. The original error
// stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || mapped(err) {
		return err
	}

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}

	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) {
		if kind := condKind(sessErr.RemoteErr); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
		return fmt.Errorf("%w: %w", transport.ErrLinkLost, err)
	}

	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		if kind := condKind(linkErr.RemoteErr); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
		return fmt.Errorf("%w: %w", transport.ErrLinkLost, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if kind := condKind(amqpErr); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
		return fmt.Errorf("%w: %w", transport.ErrLinkLost, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", transport.ErrConnection, err)
}

// mapped reports whether err already carries a transport error kind.
func mapped(err error) bool {
	for _, kind := range []error{
		transport.ErrConnection, transport.ErrAuthorization, transport.ErrLinkLost,
		transport.ErrLockLost, transport.ErrTimeout, transport.ErrNotFound,
		transport.ErrServerBusy, transport.ErrNotSupported, transport.ErrClosed,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// condKind returns the kind of a remote error condition, nil when unknown.
func condKind(e *amqp.Error) error {
	if e == nil {
		return nil
	}

	switch e.Condition {
	case condUnauthorized:
		return transport.ErrAuthorization
	case condNotFound, condEntityDisabled:
		return transport.ErrNotFound
	case condMessageLockLost, condSessionLockLost:
		return transport.ErrLockLost
	case condServerBusy, condResourceLimit, condSessionLocked:
		return transport.ErrServerBusy
	case condTimeout:
		return transport.ErrTimeout
	case condDetachForced, condStolen:
		return transport.ErrLinkLost
	case condConnectionForced:
		return transport.ErrConnection
	default:
		return nil
	}
}

// statusError translates a management or CBS status code.
func statusError(code int, description string) error {
	var kind error
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		kind = transport.ErrAuthorization
	case code == 404:
		kind = transport.ErrNotFound
	case code == 408:
		kind = transport.ErrTimeout
	case code == 410:
		kind = transport.ErrLockLost
	case code >= 500:
		kind = transport.ErrServerBusy
	default:
		kind = transport.ErrNotSupported
	}
	return fmt.Errorf("%w: status %d: %s", kind, code, description)
}
