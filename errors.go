// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/goxkit/servicebus/internal/transport"
)

// ServiceBusError is the error type returned by every operation of the package.
// Kind errors (ParseError, ConnectionError, ...) are ServiceBusError values themselves;
// errors built from them match the kind with errors.Is.
type ServiceBusError struct {
	Message string
	// Attempts is the number of attempts made when the error ends a retry loop.
	Attempts int
	Err      error

	kind *ServiceBusError
}

// NewServiceBusError creates a new ServiceBusError instance with the provided message.
func NewServiceBusError(msg string) *ServiceBusError {
	return &ServiceBusError{Message: msg}
}

// Error implements the error interface and returns the error message.
func (e *ServiceBusError) Error() string {
	msg := e.Message
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (attempts: %d)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceBusError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind this error was built from.
func (e *ServiceBusError) Is(target error) bool {
	t, ok := target.(*ServiceBusError)
	if !ok {
		return false
	}
	return e == t || (e.kind != nil && e.kind == t)
}

var (
	// ParseError is returned when a connection string is malformed.
	ParseError = NewServiceBusError("invalid connection string")

	// ValidationError is returned when options or arguments are invalid.
	ValidationError = NewServiceBusError("invalid argument")

	// ConnectionError is returned on transport or TLS failures.
	ConnectionError = NewServiceBusError("connection failure")

	// AuthorizationError is returned when the broker rejects or cannot validate the credential.
	AuthorizationError = NewServiceBusError("unauthorized")

	// LinkLostError is returned to operations pending on a link that detached unexpectedly.
	LinkLostError = NewServiceBusError("link lost")

	// MessageLockLostError is returned when a message is settled after its lock expired.
	MessageLockLostError = NewServiceBusError("message lock lost")

	// MessageAlreadySettledError is returned when a message is settled a second time.
	MessageAlreadySettledError = NewServiceBusError("message already settled")

	// SettlementNotSupportedError is returned by settlement calls on receive-and-delete receivers.
	SettlementNotSupportedError = NewServiceBusError("settlement not supported in receive and delete mode")

	// ConnectionClosedError is returned to operations on a connection that has been closed.
	ConnectionClosedError = NewServiceBusError("connection closed")

	// ClientClosedError is returned when a closed client, sender or receiver is used.
	ClientClosedError = NewServiceBusError("client closed")

	// TimeoutError is returned when the broker did not answer in time.
	TimeoutError = NewServiceBusError("operation timed out")

	// ServerBusyError is returned when the broker throttles the client.
	ServerBusyError = NewServiceBusError("server busy")

	// EntityNotFoundError is returned when the queue or topic does not exist.
	EntityNotFoundError = NewServiceBusError("entity not found")

	// NotSupportedError is returned when the transport cannot perform an operation.
	NotSupportedError = NewServiceBusError("operation not supported by transport")

	// RetryableError is returned by processor handlers to ask for a redelivery.
	RetryableError = NewServiceBusError("error to process this message, retry later")

	// InvalidHandlerParamsError is returned when a processor handler registration is invalid.
	InvalidHandlerParamsError = NewServiceBusError("register handler with invalid parameters")

	// HandlerAlreadyRegisteredError is returned when a handler already exists for a message type.
	HandlerAlreadyRegisteredError = NewServiceBusError("handler already registered for the message")
)

// newError builds an error of the given kind with a detail message and an optional cause.
func newError(kind *ServiceBusError, detail string, cause error) *ServiceBusError {
	msg := kind.Message
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", kind.Message, detail)
	}
	return &ServiceBusError{Message: msg, Err: cause, kind: kind}
}

// exhaustedError wraps the last error of a retry loop.
func exhaustedError(operation string, attempts int, last error) *ServiceBusError {
	return &ServiceBusError{
		Message:  fmt.Sprintf("%s failed", operation),
		Attempts: attempts,
		Err:      last,
	}
}

// fromTransport maps an adapter error kind onto the package taxonomy. Errors that
// already belong to the taxonomy are returned unchanged.
func fromTransport(err error) error {
	if err == nil {
		return nil
	}

	var sbErr *ServiceBusError
	if errors.As(err, &sbErr) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrAuthorization):
		return newError(AuthorizationError, "", err)
	case errors.Is(err, transport.ErrLockLost):
		return newError(MessageLockLostError, "", err)
	case errors.Is(err, transport.ErrLinkLost):
		return newError(LinkLostError, "", err)
	case errors.Is(err, transport.ErrTimeout):
		return newError(TimeoutError, "", err)
	case errors.Is(err, transport.ErrServerBusy):
		return newError(ServerBusyError, "", err)
	case errors.Is(err, transport.ErrNotFound):
		return newError(EntityNotFoundError, "", err)
	case errors.Is(err, transport.ErrNotSupported):
		return newError(NotSupportedError, "", err)
	case errors.Is(err, transport.ErrClosed):
		return newError(ConnectionClosedError, "", err)
	default:
		return newError(ConnectionError, "", err)
	}
}

// isTransient reports whether the retry executor may try the operation again.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ConnectionClosedError), errors.Is(err, ClientClosedError):
		return false
	case errors.Is(err, ConnectionError),
		errors.Is(err, LinkLostError),
		errors.Is(err, TimeoutError),
		errors.Is(err, ServerBusyError):
		return true
	default:
		return false
	}
}

// isLinkFatal reports whether err means the link (or its connection) can no longer be used.
func isLinkFatal(err error) bool {
	return errors.Is(err, LinkLostError) || errors.Is(err, ConnectionError)
}
