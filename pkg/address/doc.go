// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address resolves CoAP endpoint URIs into shared, reference-counted
// network address handles.
//
// # Overview
//
// A Registry owns a fixed-capacity Cache. Every handle returned by
// Registry.New carries one reference for the caller, released with
// Registry.Free. Handles are destroyed, and their cache slot cleared, when
// the last reference goes.
//
//	            New(uri)
//	               │
//	               ↓
//	     ┌──── ByURI hit? ───yes──→ UseCount++ ──→ handle
//	     │no
//	     ↓
//	uri.Parse → Resolver.LookupNetIP (blocking)
//	     │
//	     ↓
//	ByAddress hit? ──yes──→ attach URI if entry has none
//	     │no                       │
//	     ↓                         ↓
//	Cache.Add ───────────────→ UseCount++ ──→ handle
//
// # Cache
//
// The cache is a slice of slots addressed by index. Lookups are linear,
// which suits the handful of servers a constrained client talks to. When
// every slot is taken Cache.Add returns ErrCacheFull; the registry logs and
// counts it, and the caller still gets a working handle that just will not
// be found again.
//
// # Passive peers
//
// Datagrams from unknown senders are tagged through Registry.Observe, which
// creates a uri-less, non-secure handle held by the cache itself. Such holds
// are dropped by Registry.Expire (or the Cleanup loop) once the peer has
// been idle for the configured timeout.
//
// # Equality
//
// Compare orders by family, raw bytes and port. IPv4-mapped IPv6 addresses
// are unmapped on creation so a peer compares equal however the socket
// reported it.
package address
