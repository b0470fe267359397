// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp10

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goxkit/servicebus/internal/transport"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"connection", &amqp.ConnError{}, transport.ErrConnection},
		{"session", &amqp.SessionError{}, transport.ErrLinkLost},
		{"link detached", &amqp.LinkError{}, transport.ErrLinkLost},
		{"link unauthorized", &amqp.LinkError{RemoteErr: &amqp.Error{Condition: condUnauthorized}}, transport.ErrAuthorization},
		{"lock lost", &amqp.Error{Condition: condMessageLockLost}, transport.ErrLockLost},
		{"server busy", &amqp.Error{Condition: condServerBusy}, transport.ErrServerBusy},
		{"timeout", &amqp.Error{Condition: condTimeout}, transport.ErrTimeout},
		{"not found", &amqp.LinkError{RemoteErr: &amqp.Error{Condition: condNotFound}}, transport.ErrNotFound},
		{"unknown", errors.New("boom"), transport.ErrConnection},
		{"context", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	assert.NoError(t, mapError(nil))
}

func TestMapErrorKeepsMappedErrors(t *testing.T) {
	err := statusError(404, "gone")
	assert.Same(t, err, mapError(err))
	assert.False(t, errors.Is(mapError(err), transport.ErrConnection))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, statusError(200, ""))
	assert.NoError(t, statusError(202, ""))
	assert.ErrorIs(t, statusError(401, ""), transport.ErrAuthorization)
	assert.ErrorIs(t, statusError(404, ""), transport.ErrNotFound)
	assert.ErrorIs(t, statusError(410, ""), transport.ErrLockLost)
	assert.ErrorIs(t, statusError(503, ""), transport.ErrServerBusy)
	assert.ErrorIs(t, statusError(400, ""), transport.ErrNotSupported)
}

func TestMessageRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	out := &transport.Message{
		MessageID:             "id-1",
		Body:                  []byte("hello"),
		ContentType:           "text/plain",
		CorrelationID:         "corr",
		Subject:               "greeting",
		SessionID:             "s1",
		TimeToLive:            time.Minute,
		ScheduledEnqueueTime:  &at,
		ApplicationProperties: map[string]any{"k": "v"},
	}

	am := toAMQP(out)
	require.NotNil(t, am.Properties)
	assert.Equal(t, "id-1", am.Properties.MessageID)
	assert.Equal(t, "s1", *am.Properties.GroupID)
	assert.Nil(t, am.Properties.To)
	assert.Equal(t, time.Minute, am.Header.TTL)
	assert.Equal(t, at, am.Annotations[annotationScheduledTime])

	locked := at.Add(time.Minute)
	am.DeliveryTag = make([]byte, 16)
	am.DeliveryTag[0] = 7
	am.Header.DeliveryCount = 2
	am.Annotations[annotationLockedUntil] = locked
	am.Annotations[annotationSequenceNumber] = int64(99)
	am.Annotations[annotationEnqueuedTime] = at
	am.ApplicationProperties[propertyDeadLetterReason] = "r"

	in := fromAMQP(am)
	assert.Equal(t, "id-1", in.MessageID)
	assert.Equal(t, []byte("hello"), in.Body)
	assert.Equal(t, "text/plain", in.ContentType)
	assert.Equal(t, "corr", in.CorrelationID)
	assert.Equal(t, "greeting", in.Subject)
	assert.Equal(t, "s1", in.SessionID)
	assert.Equal(t, uint32(3), in.DeliveryCount)
	assert.Equal(t, int64(99), in.SequenceNumber)
	assert.Equal(t, locked, in.LockedUntil)
	assert.Equal(t, at, in.EnqueuedTime)
	assert.Equal(t, "r", in.DeadLetterReason)
	assert.Equal(t, byte(7), in.LockToken[0])
	assert.Same(t, am, in.Raw)
}

func TestPutTokenRequest(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	req := putTokenRequest("sb://ns/q", transport.Token{Value: "tok", Type: "jwt", ExpiresOn: exp})

	assert.Equal(t, "tok", req.Value)
	assert.Equal(t, operationPutToken, req.ApplicationProperties["operation"])
	assert.Equal(t, "jwt", req.ApplicationProperties["type"])
	assert.Equal(t, "sb://ns/q", req.ApplicationProperties["name"])
	assert.Equal(t, strconv.FormatInt(exp.Unix(), 10), req.ApplicationProperties["expiration"])
}

func TestDispositionRequest(t *testing.T) {
	token := [16]byte{1, 2, 3}

	req, err := dispositionRequest(token, transport.Disposition{
		Kind:             transport.DispositionDeadLetter,
		DeadLetterReason: "bad",
	}, "")
	require.NoError(t, err)

	body := req.Value.(map[string]any)
	assert.Equal(t, "suspended", body["disposition-status"])
	assert.Equal(t, []amqp.UUID{amqp.UUID(token)}, body["lock-tokens"])
	assert.Equal(t, "bad", body["deadletter-reason"])
	assert.Equal(t, operationDisposition, req.ApplicationProperties["operation"])

	_, err = dispositionRequest(token, transport.Disposition{}, "")
	assert.ErrorIs(t, err, transport.ErrNotSupported)
}

func TestReceiveBySequenceRequest(t *testing.T) {
	req := receiveBySequenceRequest(transport.ReceiveModePeekLock, "s1", []int64{4, 5})
	body := req.Value.(map[string]any)

	assert.Equal(t, []int64{4, 5}, body["sequence-numbers"])
	assert.Equal(t, uint32(1), body["receiver-settle-mode"])
	assert.Equal(t, "s1", body["session-id"])

	req = receiveBySequenceRequest(transport.ReceiveModeReceiveAndDelete, "", []int64{4})
	body = req.Value.(map[string]any)
	assert.Equal(t, uint32(0), body["receiver-settle-mode"])
	assert.NotContains(t, body, "session-id")
}

func TestDeferredMessages(t *testing.T) {
	am := amqp.NewMessage([]byte("deferred"))
	am.Annotations = amqp.Annotations{annotationSequenceNumber: int64(4)}
	payload, err := am.MarshalBinary()
	require.NoError(t, err)

	token := amqp.UUID{9}
	resp := &amqp.Message{Value: map[string]any{
		"messages": []any{
			map[string]any{"message": payload, "lock-token": token},
		},
	}}

	msgs, err := deferredMessages(resp)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("deferred"), msgs[0].Body)
	assert.Equal(t, int64(4), msgs[0].SequenceNumber)
	assert.Equal(t, byte(9), msgs[0].LockToken[0])
	assert.IsType(t, &deferredDelivery{}, msgs[0].Raw)

	_, err = deferredMessages(&amqp.Message{Value: "nope"})
	assert.ErrorIs(t, err, transport.ErrConnection)
}

func TestStatus(t *testing.T) {
	code, desc := status(&amqp.Message{ApplicationProperties: map[string]any{"status-code": int32(202), "status-description": "Accepted"}})
	assert.Equal(t, 202, code)
	assert.Equal(t, "Accepted", desc)

	code, _ = status(&amqp.Message{ApplicationProperties: map[string]any{"statusCode": int64(404)}})
	assert.Equal(t, 404, code)
}

func TestHostAndPort(t *testing.T) {
	assert.Equal(t, "ns.servicebus.windows.net", hostOnly("ns.servicebus.windows.net"))
	assert.Equal(t, "localhost", hostOnly("localhost:5672"))
	assert.Equal(t, "ns.servicebus.windows.net:5671", withPort("ns.servicebus.windows.net", amqpsPort))
	assert.Equal(t, "localhost:5672", withPort("localhost:5672", amqpsPort))

	cfg := tlsConfig(nil, "ns")
	assert.Equal(t, "ns", cfg.ServerName)
}

func TestDialProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan *http.Request, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		got <- req
		_, _ = c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		_, _ = c.Read(make([]byte, 1))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := dialProxy(t.Context(), &transport.Proxy{
		Hostname: "127.0.0.1",
		Port:     addr.Port,
		Username: "user",
		Password: "pass",
	}, "ns.servicebus.windows.net:443")
	require.NoError(t, err)
	defer conn.Close()

	req := <-got
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "ns.servicebus.windows.net:443", req.Host)
	user, pass, ok := parseProxyAuth(req.Header.Get("Proxy-Authorization"))
	assert.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", pass)
}

func TestDialProxyRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = http.ReadRequest(bufio.NewReader(c))
		_, _ = c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	_, err = dialProxy(t.Context(), &transport.Proxy{Hostname: "127.0.0.1", Port: addr.Port}, "ns:443")
	assert.Error(t, err)
}

func parseProxyAuth(header string) (string, string, bool) {
	r := &http.Request{Header: http.Header{"Authorization": []string{header}}}
	return r.BasicAuth()
}

func TestConnFailMarksDone(t *testing.T) {
	c := newConn(nil, true)

	err := c.fail(&amqp.LinkError{})
	assert.ErrorIs(t, err, transport.ErrLinkLost)
	select {
	case <-c.Done():
		t.Fatal("link errors must not close the connection")
	default:
	}

	err = c.fail(&amqp.ConnError{})
	assert.ErrorIs(t, err, transport.ErrConnection)
	<-c.Done()
}
