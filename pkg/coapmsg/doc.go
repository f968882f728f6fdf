// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapmsg builds and inspects the few CoAP messages the client
// needs on its own: the empty confirmable ping used as a liveness probe,
// a discovery GET, and a header summary of inbound datagrams for logs.
//
// Framing is done with github.com/plgd-dev/go-coap/v3 using the UDP coder.
//
// # Example
//
//	data, _ := coapmsg.Ping(ctx, mid)
//	_ = sock.Send(server, data)
//
//	s, err := coapmsg.Describe(ctx, payload)
//	if err == nil && s.IsPong(mid) {
//		logger.Info("server alive", slog.Any("coap", s))
//	}
package coapmsg
