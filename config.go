// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/goxkit/servicebus/internal/transport"
)

type (
	// TransportType selects the wire protocol used to reach the broker.
	TransportType int

	// ConnectionMode selects whether links share one connection or own one each.
	ConnectionMode int

	// ProxySettings configures an HTTP proxy for the WebSocket transport.
	ProxySettings struct {
		Hostname string
		Port     int
		Username string
		Password string
	}

	// RetryOptions configures the retry executor.
	RetryOptions struct {
		// MaxAttempts is the total number of attempts per operation. Zero selects the default of 3.
		MaxAttempts int
		// RetryDelay is the initial backoff. Zero selects 800ms.
		RetryDelay time.Duration
		// MaxRetryDelay caps the backoff. Zero selects 60s.
		MaxRetryDelay time.Duration
	}

	// ClientOptions are the options accepted by New and NewFromConnectionString.
	// The zero value is valid.
	ClientOptions struct {
		// EntityName scopes the credential to a queue or topic.
		EntityName string
		// LoggingEnabled turns on debug level wire traces.
		LoggingEnabled bool
		TransportType  TransportType
		HTTPProxy      *ProxySettings
		RetryOptions   RetryOptions
		ConnectionMode ConnectionMode
		TLSConfig      *tls.Config
		// CloseTimeout bounds how long closing a shared connection waits for active links
		// when the context carries no deadline. Zero selects 10s.
		CloseTimeout time.Duration
		// Dialer replaces the dialer selected by TransportType.
		Dialer transport.Dialer
		// Clock replaces time.Now for lock expiry decisions.
		Clock func() time.Time
	}

	// Configuration is the validated, immutable form of ClientOptions. It is shared read only
	// by the client and every link it creates.
	Configuration struct {
		entityName     string
		loggingEnabled bool
		transportType  TransportType
		proxy          *ProxySettings
		retry          RetryOptions
		connectionMode ConnectionMode
		tlsConfig      *tls.Config
		closeTimeout   time.Duration
		dialer         transport.Dialer
		clock          func() time.Time
	}
)

const (
	// TransportTypeAMQP is AMQP 1.0 over TLS on port 5671.
	TransportTypeAMQP TransportType = iota
	// TransportTypeAMQPWebSockets is AMQP 1.0 over a secure WebSocket on port 443.
	TransportTypeAMQPWebSockets
	// TransportTypeAMQP091 talks to an AMQP 0-9-1 broker such as RabbitMQ.
	TransportTypeAMQP091
	// TransportTypeInMemory uses a process local broker.
	TransportTypeInMemory
)

const (
	// ConnectionModePerLink gives every sender and receiver a private connection.
	ConnectionModePerLink ConnectionMode = iota
	// ConnectionModeShared multiplexes every link of a client over one connection.
	ConnectionModeShared
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 800 * time.Millisecond
	DefaultMaxRetryDelay = 60 * time.Second
	DefaultCloseTimeout  = 10 * time.Second
)

func (t TransportType) String() string {
	switch t {
	case TransportTypeAMQP:
		return "amqp"
	case TransportTypeAMQPWebSockets:
		return "amqp-websockets"
	case TransportTypeAMQP091:
		return "amqp091"
	case TransportTypeInMemory:
		return "in-memory"
	default:
		return fmt.Sprintf("TransportType(%d)", int(t))
	}
}

func (m ConnectionMode) String() string {
	if m == ConnectionModeShared {
		return "shared"
	}
	return "per-link"
}

// newConfiguration applies defaults to opts and validates the result.
func newConfiguration(opts *ClientOptions) (Configuration, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}

	retry, err := opts.RetryOptions.withDefaults()
	if err != nil {
		return Configuration{}, err
	}

	switch opts.TransportType {
	case TransportTypeAMQP, TransportTypeAMQPWebSockets, TransportTypeAMQP091, TransportTypeInMemory:
	default:
		return Configuration{}, newError(ValidationError, fmt.Sprintf("unknown transport type %d", opts.TransportType), nil)
	}

	switch opts.ConnectionMode {
	case ConnectionModePerLink, ConnectionModeShared:
	default:
		return Configuration{}, newError(ValidationError, fmt.Sprintf("unknown connection mode %d", opts.ConnectionMode), nil)
	}

	var proxy *ProxySettings
	if opts.HTTPProxy != nil {
		if opts.TransportType != TransportTypeAMQPWebSockets {
			return Configuration{}, newError(ValidationError, "http proxy requires the websockets transport", nil)
		}
		if opts.HTTPProxy.Hostname == "" || opts.HTTPProxy.Port <= 0 {
			return Configuration{}, newError(ValidationError, "http proxy requires hostname and port", nil)
		}
		p := *opts.HTTPProxy
		proxy = &p
	}

	if opts.CloseTimeout < 0 {
		return Configuration{}, newError(ValidationError, "close timeout cannot be negative", nil)
	}

	cfg := Configuration{
		entityName:     opts.EntityName,
		loggingEnabled: opts.LoggingEnabled,
		transportType:  opts.TransportType,
		proxy:          proxy,
		retry:          retry,
		connectionMode: opts.ConnectionMode,
		closeTimeout:   opts.CloseTimeout,
		dialer:         opts.Dialer,
		clock:          opts.Clock,
	}

	if opts.TLSConfig != nil {
		cfg.tlsConfig = opts.TLSConfig.Clone()
	}
	if cfg.closeTimeout == 0 {
		cfg.closeTimeout = DefaultCloseTimeout
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	return cfg, nil
}

func (r RetryOptions) withDefaults() (RetryOptions, error) {
	if r.MaxAttempts < 0 || r.RetryDelay < 0 || r.MaxRetryDelay < 0 {
		return RetryOptions{}, newError(ValidationError, "retry options cannot be negative", nil)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.MaxRetryDelay == 0 {
		r.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if r.MaxRetryDelay < r.RetryDelay {
		r.MaxRetryDelay = r.RetryDelay
	}
	return r, nil
}

// EntityName returns the entity the credential is scoped to.
func (c Configuration) EntityName() string { return c.entityName }

// LoggingEnabled reports whether wire traces are logged.
func (c Configuration) LoggingEnabled() bool { return c.loggingEnabled }

func (c Configuration) TransportType() TransportType { return c.transportType }

func (c Configuration) ConnectionMode() ConnectionMode { return c.connectionMode }

func (c Configuration) RetryOptions() RetryOptions { return c.retry }

func (c Configuration) CloseTimeout() time.Duration { return c.closeTimeout }

// HTTPProxy returns a copy of the proxy settings, nil when none are configured.
func (c Configuration) HTTPProxy() *ProxySettings {
	if c.proxy == nil {
		return nil
	}
	p := *c.proxy
	return &p
}

func (c Configuration) now() time.Time { return c.clock() }

// transportProxy converts the proxy settings for the transport layer.
func (c Configuration) transportProxy() *transport.Proxy {
	if c.proxy == nil {
		return nil
	}
	return &transport.Proxy{
		Hostname: c.proxy.Hostname,
		Port:     c.proxy.Port,
		Username: c.proxy.Username,
		Password: c.proxy.Password,
	}
}
