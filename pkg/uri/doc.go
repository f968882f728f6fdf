// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package uri parses CoAP endpoint references.
//
// # Grammar
//
//	scheme://host[:port][/path]
//
//	coap   secure=false  default port 5683
//	coaps  secure=true   default port 5684
//
// # States
//
// The scanner walks three states and stops on '/' or end of input:
//
//	scheme ──"://"──→ hostname ──':'──→ port
//	                     │               │
//	                     └──'/'──→ done ←┘
//
// The path, if any, is not returned. A host starting with '[' is treated
// as an opaque literal up to the matching ']'; it is not validated as an
// IPv6 address here, that happens when the host is resolved.
//
// # Errors
//
//   - ErrUnknownScheme: scheme other than exactly coap or coaps
//   - ErrEmptyHost: nothing between "://" and the port or path
//   - ErrInvalidPort: port above 65535
package uri
