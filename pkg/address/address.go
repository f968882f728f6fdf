// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// ErrUnsupportedFamily is returned for addresses that are neither IPv4 nor IPv6.
var ErrUnsupportedFamily = errors.New("unsupported address family")

// Family is the address family of a resolved endpoint.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// AddressType is the transport-agnostic view of an Address handed to
// upper layers. It carries no reference to the cache or the refcount.
type AddressType struct {
	Addr   []byte
	Port   uint16
	Secure bool
}

// Address is a resolved, reference-counted remote endpoint.
//
// Handles are created and destroyed by a Registry. The reference count is
// changed only while holding the registry lock; UseCount may be read at
// any time.
type Address struct {
	family   Family
	ip       netip.Addr
	port     uint16
	secure   bool
	useCount atomic.Int64

	// passive is set while the cache itself holds one reference on
	// behalf of a peer that was observed on receive.
	passive  bool
	lastSeen time.Time
}

func newAddress(ap netip.AddrPort, secure bool) (*Address, error) {
	ip := ap.Addr().Unmap()
	a := &Address{
		ip:     ip,
		port:   ap.Port(),
		secure: secure,
	}
	switch {
	case ip.Is4():
		a.family = FamilyIPv4
	case ip.Is6():
		a.family = FamilyIPv6
	default:
		return nil, ErrUnsupportedFamily
	}
	return a, nil
}

// Family returns the address family.
func (a *Address) Family() Family { return a.family }

// IP returns the resolved IP address.
func (a *Address) IP() netip.Addr { return a.ip }

// Raw returns a copy of the raw address bytes (4 for IPv4, 16 for IPv6).
func (a *Address) Raw() []byte { return a.ip.AsSlice() }

// Port returns the remote port.
func (a *Address) Port() uint16 { return a.port }

// Secure reports whether traffic to this endpoint goes through the secure channel.
func (a *Address) Secure() bool { return a.secure }

// UseCount returns the current number of references.
func (a *Address) UseCount() int { return int(a.useCount.Load()) }

// AddrPort returns the endpoint as a netip.AddrPort.
func (a *Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.ip, a.port)
}

// UDPAddr returns the endpoint as a *net.UDPAddr.
func (a *Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.AddrPort())
}

func (a *Address) String() string {
	return a.AddrPort().String()
}

// SetAddressType copies the raw bytes, port and secure flag into out.
func (a *Address) SetAddressType(out *AddressType) {
	out.Addr = a.Raw()
	out.Port = a.port
	out.Secure = a.secure
}

// AddressType returns the transport-agnostic view of a.
func (a *Address) AddressType() AddressType {
	var t AddressType
	a.SetAddressType(&t)
	return t
}

// Compare orders two addresses. It returns -1 when the families differ,
// otherwise it compares the raw address bytes and then the port. The
// result is 0 only when family, bytes and port are all equal. The secure
// flag does not take part in the comparison.
func Compare(a, b *Address) int {
	if a == nil || b == nil {
		if a == b {
			return 0
		}
		return -1
	}
	if a.family != b.family {
		return -1
	}
	if c := bytes.Compare(a.ip.AsSlice(), b.ip.AsSlice()); c != 0 {
		return c
	}
	switch {
	case a.port < b.port:
		return -1
	case a.port > b.port:
		return 1
	}
	return 0
}
