// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package amqp10

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	cbsAddress           = "$cbs"
	managementSuffix     = "/$management"
	operationPutToken    = "put-token"
	operationByNumber    = "com.microsoft:receive-by-sequence-number"
	operationDisposition = "com.microsoft:update-disposition"
)

// rpcLink is a request/response pair of links to a node such as $cbs or
// <entity>/$management. Requests are serialized.
type rpcLink struct {
	mu       sync.Mutex
	sender   *amqp.Sender
	receiver *amqp.Receiver
	replyTo  string
}

func newRPCLink(ctx context.Context, s *amqp.Session, address string) (*rpcLink, error) {
	replyTo := address + "-reply-" + uuid.NewString()

	sender, err := s.NewSender(ctx, address, nil)
	if err != nil {
		return nil, mapError(err)
	}

	receiver, err := s.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		TargetAddress: replyTo,
		Credit:        16,
	})
	if err != nil {
		_ = sender.Close(ctx)
		return nil, mapError(err)
	}

	return &rpcLink{sender: sender, receiver: receiver, replyTo: replyTo}, nil
}

// do sends req and waits for the response correlated with it.
func (l *rpcLink) do(ctx context.Context, req *amqp.Message) (*amqp.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	if req.Properties == nil {
		req.Properties = &amqp.MessageProperties{}
	}
	req.Properties.MessageID = id
	req.Properties.ReplyTo = &l.replyTo

	if err := l.sender.Send(ctx, req, nil); err != nil {
		return nil, mapError(err)
	}

	for {
		resp, err := l.receiver.Receive(ctx, nil)
		if err != nil {
			return nil, mapError(err)
		}
		_ = l.receiver.AcceptMessage(ctx, resp)

		if resp.Properties == nil || stringOf(resp.Properties.CorrelationID) != id {
			continue
		}

		code, description := status(resp)
		if err := statusError(code, description); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func (l *rpcLink) close(ctx context.Context) error {
	err := l.sender.Close(ctx)
	if rErr := l.receiver.Close(ctx); err == nil {
		err = rErr
	}
	return mapError(err)
}

// status reads the status code and description of a CBS or management response.
func status(resp *amqp.Message) (int, string) {
	props := resp.ApplicationProperties

	code := 0
	for _, key := range []string{"statusCode", "status-code"} {
		if c, ok := asInt(props[key]); ok {
			code = c
			break
		}
	}

	for _, key := range []string{"statusDescription", "status-description"} {
		if d, ok := props[key].(string); ok {
			return code, d
		}
	}
	return code, ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// putTokenRequest builds a CBS put-token request.
func putTokenRequest(audience string, token transport.Token) *amqp.Message {
	return &amqp.Message{
		Value: token.Value,
		ApplicationProperties: map[string]any{
			"operation":  operationPutToken,
			"type":       token.Type,
			"name":       audience,
			"expiration": strconv.FormatInt(token.ExpiresOn.Unix(), 10),
		},
	}
}

// receiveBySequenceRequest builds a management request for deferred messages.
func receiveBySequenceRequest(mode transport.ReceiveMode, sessionID string, sequenceNumbers []int64) *amqp.Message {
	settleMode := uint32(1)
	if mode == transport.ReceiveModeReceiveAndDelete {
		settleMode = 0
	}

	body := map[string]any{
		"sequence-numbers":     sequenceNumbers,
		"receiver-settle-mode": settleMode,
	}
	if sessionID != "" {
		body["session-id"] = sessionID
	}

	return &amqp.Message{
		Value:                 body,
		ApplicationProperties: map[string]any{"operation": operationByNumber},
	}
}

// dispositionRequest builds a management request settling a deferred message by lock token.
func dispositionRequest(lockToken [16]byte, d transport.Disposition, sessionID string) (*amqp.Message, error) {
	var state string
	switch d.Kind {
	case transport.DispositionComplete:
		state = "completed"
	case transport.DispositionAbandon:
		state = "abandoned"
	case transport.DispositionDefer:
		state = "defered"
	case transport.DispositionDeadLetter:
		state = "suspended"
	default:
		return nil, fmt.Errorf("%w: disposition %d", transport.ErrNotSupported, d.Kind)
	}

	body := map[string]any{
		"disposition-status": state,
		"lock-tokens":        []amqp.UUID{amqp.UUID(lockToken)},
	}
	if d.DeadLetterReason != "" {
		body["deadletter-reason"] = d.DeadLetterReason
	}
	if d.DeadLetterDescription != "" {
		body["deadletter-description"] = d.DeadLetterDescription
	}
	if len(d.PropertiesToModify) > 0 {
		body["properties-to-modify"] = d.PropertiesToModify
	}
	if sessionID != "" {
		body["session-id"] = sessionID
	}

	return &amqp.Message{
		Value:                 body,
		ApplicationProperties: map[string]any{"operation": operationDisposition},
	}, nil
}

// deferredMessages decodes the messages of a receive-by-sequence-number response.
func deferredMessages(resp *amqp.Message) ([]*transport.Message, error) {
	body, ok := resp.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected management response body %T", transport.ErrConnection, resp.Value)
	}

	entries, _ := body["messages"].([]any)
	out := make([]*transport.Message, 0, len(entries))

	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		payload, ok := fields["message"].([]byte)
		if !ok {
			continue
		}

		var am amqp.Message
		if err := am.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("%w: decoding deferred message: %w", transport.ErrConnection, err)
		}

		m := fromAMQP(&am)
		if token, ok := fields["lock-token"].(amqp.UUID); ok {
			m.LockToken = token
		}
		m.Raw = &deferredDelivery{lockToken: m.LockToken}
		out = append(out, m)
	}

	return out, nil
}

// deferredDelivery marks a message received through the management node. It is settled
// by lock token rather than on the receiver link.
type deferredDelivery struct {
	lockToken [16]byte
}
