// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"crypto/tls"
	"errors"
	"testing"
	"time"
)

func TestNewConfiguration_Defaults(t *testing.T) {
	cfg, err := newConfiguration(nil)
	if err != nil {
		t.Fatalf("newConfiguration(nil) error = %v", err)
	}

	want := RetryOptions{MaxAttempts: DefaultMaxAttempts, RetryDelay: DefaultRetryDelay, MaxRetryDelay: DefaultMaxRetryDelay}
	if cfg.RetryOptions() != want {
		t.Errorf("RetryOptions() = %+v, want %+v", cfg.RetryOptions(), want)
	}
	if cfg.TransportType() != TransportTypeAMQP {
		t.Errorf("TransportType() = %v, want amqp", cfg.TransportType())
	}
	if cfg.ConnectionMode() != ConnectionModePerLink {
		t.Errorf("ConnectionMode() = %v, want per-link", cfg.ConnectionMode())
	}
	if cfg.CloseTimeout() != DefaultCloseTimeout {
		t.Errorf("CloseTimeout() = %v, want %v", cfg.CloseTimeout(), DefaultCloseTimeout)
	}
	if cfg.HTTPProxy() != nil {
		t.Errorf("HTTPProxy() = %v, want nil", cfg.HTTPProxy())
	}
	if cfg.LoggingEnabled() {
		t.Error("LoggingEnabled() = true, want false")
	}
	if cfg.now().IsZero() {
		t.Error("clock not defaulted")
	}
}

func TestNewConfiguration(t *testing.T) {
	tlsCfg := &tls.Config{ServerName: "ns.example.com"}
	opts := &ClientOptions{
		EntityName:     "orders",
		LoggingEnabled: true,
		TransportType:  TransportTypeAMQPWebSockets,
		HTTPProxy:      &ProxySettings{Hostname: "proxy", Port: 3128, Username: "u", Password: "p"},
		RetryOptions:   RetryOptions{MaxAttempts: 5, RetryDelay: 2 * time.Second, MaxRetryDelay: time.Second},
		ConnectionMode: ConnectionModeShared,
		TLSConfig:      tlsCfg,
		CloseTimeout:   time.Second,
	}

	cfg, err := newConfiguration(opts)
	if err != nil {
		t.Fatalf("newConfiguration() error = %v", err)
	}

	if cfg.EntityName() != "orders" {
		t.Errorf("EntityName() = %v, want orders", cfg.EntityName())
	}
	if r := cfg.RetryOptions(); r.MaxAttempts != 5 || r.MaxRetryDelay != 2*time.Second {
		t.Errorf("RetryOptions() = %+v, want 5 attempts and max delay raised to 2s", r)
	}
	if cfg.CloseTimeout() != time.Second {
		t.Errorf("CloseTimeout() = %v, want 1s", cfg.CloseTimeout())
	}

	opts.HTTPProxy.Hostname = "changed"
	if p := cfg.HTTPProxy(); p.Hostname != "proxy" || p.Port != 3128 {
		t.Errorf("HTTPProxy() = %+v, configuration must not alias the options", p)
	}
	cfg.HTTPProxy().Hostname = "changed"
	if cfg.HTTPProxy().Hostname != "proxy" {
		t.Error("HTTPProxy() must return a copy")
	}

	if cfg.tlsConfig == tlsCfg || cfg.tlsConfig.ServerName != "ns.example.com" {
		t.Error("TLS config must be cloned")
	}

	tp := cfg.transportProxy()
	if tp == nil || tp.Hostname != "proxy" || tp.Port != 3128 || tp.Username != "u" {
		t.Errorf("transportProxy() = %+v", tp)
	}
}

func TestNewConfiguration_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts *ClientOptions
	}{
		{"negative attempts", &ClientOptions{RetryOptions: RetryOptions{MaxAttempts: -1}}},
		{"negative delay", &ClientOptions{RetryOptions: RetryOptions{RetryDelay: -time.Second}}},
		{"negative max delay", &ClientOptions{RetryOptions: RetryOptions{MaxRetryDelay: -time.Second}}},
		{"unknown transport", &ClientOptions{TransportType: TransportType(42)}},
		{"unknown mode", &ClientOptions{ConnectionMode: ConnectionMode(42)}},
		{"proxy without websockets", &ClientOptions{HTTPProxy: &ProxySettings{Hostname: "proxy", Port: 3128}}},
		{"proxy without host", &ClientOptions{TransportType: TransportTypeAMQPWebSockets, HTTPProxy: &ProxySettings{Port: 3128}}},
		{"proxy without port", &ClientOptions{TransportType: TransportTypeAMQPWebSockets, HTTPProxy: &ProxySettings{Hostname: "proxy"}}},
		{"negative close timeout", &ClientOptions{CloseTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newConfiguration(tt.opts)
			if !errors.Is(err, ValidationError) {
				t.Errorf("newConfiguration() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestTransportType_String(t *testing.T) {
	tests := []struct {
		typ      TransportType
		expected string
	}{
		{TransportTypeAMQP, "amqp"},
		{TransportTypeAMQPWebSockets, "amqp-websockets"},
		{TransportTypeAMQP091, "amqp091"},
		{TransportTypeInMemory, "in-memory"},
		{TransportType(9), "TransportType(9)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.typ.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}

	if ConnectionModeShared.String() != "shared" || ConnectionModePerLink.String() != "per-link" {
		t.Error("ConnectionMode.String() mismatch")
	}
}
