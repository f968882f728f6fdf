// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package securechannel defines the boundary to the DTLS implementation.
//
// The socket layer never sees handshakes or records. For a secure
// destination it calls Channel.Encrypt once per Send and transmits the
// result; for datagrams from a secure source it calls Channel.Decrypt and
// hands the plaintext up. A DTLS implementation that needs to send its own
// flights does so through the SendFunc registered with
// SetNetworkSendCallback.
//
//	Send(dst, p) ──secure──→ Encrypt(dst, p, out) ──→ transmit(out)
//	Read() ←───────secure── Decrypt(src, c, out) ←── recv
//
// Passthrough copies bytes unchanged and is meant for plaintext-only
// deployments and tests.
package securechannel
