// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links a polled socket to
// application logic.
//
// # Data Flow
//
//	Peer → Socket.Read (decrypts, tags source) → Poller → Handler.OnDatagram
//
// The poller copies every payload before dispatch and attaches a peer
// session id to the context, readable with SessionID.
//
// # Example
//
//	type Logger struct{ log *slog.Logger }
//
//	func (h *Logger) OnDatagram(ctx context.Context, src address.AddressType, payload []byte) error {
//		h.log.Info("datagram", slog.String("session", handler.SessionID(ctx)), slog.Int("bytes", len(payload)))
//		return nil
//	}
//
//	func (h *Logger) OnError(ctx context.Context, kind string, err error) {
//		h.log.Warn("read failed", slog.String("kind", kind), slog.String("error", err.Error()))
//	}
package handler
