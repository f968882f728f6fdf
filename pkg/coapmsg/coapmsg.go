// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// WellKnownCore is the resource discovery path.
const WellKnownCore = "/.well-known/core"

// ErrEmptyPath is returned when a request is built without a path.
var ErrEmptyPath = errors.New("empty path")

// Summary is the decoded header of a CoAP datagram.
type Summary struct {
	Type      message.Type
	Code      codes.Code
	MessageID int32
	Token     []byte
	Path      string
	Observe   bool
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", s.Type.String()),
		slog.String("code", s.Code.String()),
		slog.Int("mid", int(s.MessageID)),
	}
	if s.Path != "" {
		attrs = append(attrs, slog.String("path", s.Path))
	}
	if s.Observe {
		attrs = append(attrs, slog.Bool("observe", true))
	}
	return slog.GroupValue(attrs...)
}

// IsPong reports whether s answers the ping with the given message id.
// A CoAP ping is answered with a reset, or an empty acknowledgement.
func (s Summary) IsPong(messageID int32) bool {
	if s.MessageID != messageID || s.Code != codes.Empty {
		return false
	}
	return s.Type == message.Reset || s.Type == message.Acknowledgement
}

// Ping marshals an empty confirmable message, the CoAP liveness probe.
func Ping(ctx context.Context, messageID int32) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.Empty)
	msg.SetType(message.Confirmable)
	msg.SetMessageID(messageID)

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP ping: %w", err)
	}
	return data, nil
}

// Get marshals a confirmable GET request for path.
func Get(ctx context.Context, messageID int32, path string) ([]byte, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.GET)
	msg.SetType(message.Confirmable)
	msg.SetMessageID(messageID)
	if err := msg.SetPath(path); err != nil {
		return nil, fmt.Errorf("failed to set CoAP path %q: %w", path, err)
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP request: %w", err)
	}
	return data, nil
}

// Describe decodes the header of a CoAP datagram for logging.
func Describe(ctx context.Context, data []byte) (Summary, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return Summary{}, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}

	s := Summary{
		Type:      msg.Type(),
		Code:      msg.Code(),
		MessageID: msg.MessageID(),
	}
	if tok := msg.Token(); len(tok) > 0 {
		s.Token = append([]byte(nil), tok...)
	}
	if path, err := msg.Options().Path(); err == nil {
		s.Path = path
	}
	if _, err := msg.Options().Observe(); err == nil {
		s.Observe = true
	}
	return s, nil
}
