// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/absmach/coapnet/pkg/address"
)

type sessionKey struct{}

// WithSession returns a copy of ctx carrying the peer session id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the peer session id attached to ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Handler receives the events produced by polling a socket.
//
// OnDatagram is called once per received datagram. The payload is a copy
// owned by the handler and src is a snapshot of the sender, so neither is
// tied to the socket or registry after the call returns. An error is
// logged and does not stop polling.
//
// OnError is called when a read fails with anything other than
// would-block. kind is the socket error kind name.
type Handler interface {
	OnDatagram(ctx context.Context, src address.AddressType, payload []byte) error
	OnError(ctx context.Context, kind string, err error)
}

// NoopHandler is a Handler implementation that drops everything.
// Useful for testing or when inbound traffic is not needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnDatagram(ctx context.Context, src address.AddressType, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnError(ctx context.Context, kind string, err error) {}
