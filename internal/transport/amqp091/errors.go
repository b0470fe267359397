// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp091

import (
	"context"
	"errors"
	"fmt"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/goxkit/servicebus/internal/transport"
)

// mapError translates an amqp091 error into a transport error kind.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || mapped(err) {
		return err
	}

	if errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrCredentials) {
		return fmt.Errorf("%w: %w", transport.ErrAuthorization, err)
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", transport.ErrLinkLost, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return fmt.Errorf("%w: %w", transport.ErrAuthorization, err)
		case amqp.NotFound:
			return fmt.Errorf("%w: %w", transport.ErrNotFound, err)
		case amqp.ResourceLocked, amqp.ResourceError:
			return fmt.Errorf("%w: %w", transport.ErrServerBusy, err)
		case amqp.PreconditionFailed, amqp.NotImplemented, amqp.NotAllowed:
			return fmt.Errorf("%w: %w", transport.ErrNotSupported, err)
		}
		if amqpErr.Recover {
			return fmt.Errorf("%w: %w", transport.ErrLinkLost, err)
		}
		return fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", transport.ErrConnection, err)
}

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
