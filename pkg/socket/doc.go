// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socket provides a non-blocking datagram endpoint bound to an
// address.Registry.
//
// Read never parks the caller: with nothing queued it returns zero bytes
// and a nil source, and the caller is expected to poll. Every received
// datagram is tagged with the cached handle of its sender, so replies can
// be sent back through Send without resolving anything.
//
// Destinations flagged secure are routed through a securechannel.Channel.
// The channel transmits its own records through Socket.Transmit, while
// Send encrypts application payloads exactly once and then transmits.
//
// The last failure of any operation is kept as an ErrorKind and can be
// read with LastError until a later read or transmit succeeds. Returned
// errors wrap the matching sentinel from
// the errors package.
package socket
