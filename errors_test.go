// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goxkit/servicebus/internal/transport"
)

func TestServiceBusError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceBusError
		expected string
	}{
		{
			name:     "message only",
			err:      &ServiceBusError{Message: "connection failed"},
			expected: "connection failed",
		},
		{
			name:     "empty message",
			err:      &ServiceBusError{},
			expected: "",
		},
		{
			name:     "with cause",
			err:      &ServiceBusError{Message: "send failed", Err: errors.New("broken pipe")},
			expected: "send failed: broken pipe",
		},
		{
			name:     "with attempts and cause",
			err:      &ServiceBusError{Message: "send failed", Attempts: 3, Err: errors.New("broken pipe")},
			expected: "send failed (attempts: 3): broken pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceBusError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewServiceBusError(t *testing.T) {
	err := NewServiceBusError("test error")
	if err == nil {
		t.Fatal("NewServiceBusError() returned nil")
	}
	if err.Message != "test error" {
		t.Errorf("NewServiceBusError().Message = %v, want %v", err.Message, "test error")
	}
}

func TestNewErrorMatchesKind(t *testing.T) {
	cause := errors.New("tls handshake")
	err := newError(ConnectionError, "dial ns", cause)

	if !errors.Is(err, ConnectionError) {
		t.Error("errors.Is(err, ConnectionError) = false, want true")
	}
	if errors.Is(err, AuthorizationError) {
		t.Error("errors.Is(err, AuthorizationError) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if want := "connection failure: dial ns: tls handshake"; err.Error() != want {
		t.Errorf("err.Error() = %v, want %v", err.Error(), want)
	}

	wrapped := fmt.Errorf("message 2: %w", err)
	if !errors.Is(wrapped, ConnectionError) {
		t.Error("errors.Is(wrapped, ConnectionError) = false, want true")
	}
}

func TestExhaustedErrorKeepsLastKind(t *testing.T) {
	last := newError(ServerBusyError, "", nil)
	err := exhaustedError("send", 3, last)

	if err.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", err.Attempts)
	}
	if !errors.Is(err, ServerBusyError) {
		t.Error("errors.Is(err, ServerBusyError) = false, want true")
	}
}

func TestFromTransport(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		expected error
	}{
		{"authorization", fmt.Errorf("%w: token", transport.ErrAuthorization), AuthorizationError},
		{"lock lost", fmt.Errorf("%w: token", transport.ErrLockLost), MessageLockLostError},
		{"link lost", fmt.Errorf("%w: detach", transport.ErrLinkLost), LinkLostError},
		{"timeout", transport.ErrTimeout, TimeoutError},
		{"server busy", transport.ErrServerBusy, ServerBusyError},
		{"not found", transport.ErrNotFound, EntityNotFoundError},
		{"not supported", transport.ErrNotSupported, NotSupportedError},
		{"closed", transport.ErrClosed, ConnectionClosedError},
		{"connection", transport.ErrConnection, ConnectionError},
		{"unknown", errors.New("boom"), ConnectionError},
		{"context canceled", context.Canceled, context.Canceled},
		{"already mapped", newError(ValidationError, "", nil), ValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromTransport(tt.input)
			if !errors.Is(got, tt.expected) {
				t.Errorf("fromTransport() = %v, want kind %v", got, tt.expected)
			}
			if !errors.Is(got, tt.input) {
				t.Errorf("fromTransport() = %v, lost the cause %v", got, tt.input)
			}
		})
	}

	if fromTransport(nil) != nil {
		t.Error("fromTransport(nil) != nil")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"connection", newError(ConnectionError, "", nil), true},
		{"link lost", newError(LinkLostError, "", nil), true},
		{"timeout", newError(TimeoutError, "", nil), true},
		{"server busy", newError(ServerBusyError, "", nil), true},
		{"authorization", newError(AuthorizationError, "", nil), false},
		{"lock lost", newError(MessageLockLostError, "", nil), false},
		{"already settled", newError(MessageAlreadySettledError, "", nil), false},
		{"connection closed", newError(ConnectionClosedError, "", nil), false},
		{"client closed", newError(ClientClosedError, "", nil), false},
		{"validation", newError(ValidationError, "", nil), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.expected {
				t.Errorf("isTransient() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceBusError
		expected string
	}{
		{"ParseError", ParseError, "invalid connection string"},
		{"MessageAlreadySettledError", MessageAlreadySettledError, "message already settled"},
		{"SettlementNotSupportedError", SettlementNotSupportedError, "settlement not supported in receive and delete mode"},
		{"RetryableError", RetryableError, "error to process this message, retry later"},
		{"InvalidHandlerParamsError", InvalidHandlerParamsError, "register handler with invalid parameters"},
		{"HandlerAlreadyRegisteredError", HandlerAlreadyRegisteredError, "handler already registered for the message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("error message = %v, want %v", tt.err.Error(), tt.expected)
			}
			if !errors.Is(tt.err, tt.err) {
				t.Error("kind does not match itself")
			}
		})
	}
}
