// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package poller runs the receive loop for a non-blocking socket.
//
// Every interval the poller drains the socket until it reports nothing
// queued, copies each payload out of its receive buffer and hands it to a
// handler.Handler together with a snapshot of the sender. Peers get a
// session id (a random UUID) on first sight, carried in the handler context
// and expired after SessionTimeout of silence.
//
//	ticker ──→ Drain ──→ Read ──n>0──→ Touch(peer) ──→ OnDatagram
//	                       │
//	                       ├─n=0──→ wait for next tick
//	                       └─err──→ OnError
package poller
