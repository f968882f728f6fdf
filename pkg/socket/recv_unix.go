// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package socket

import (
	"net"
	"net/netip"
	"os"

	cerrors "github.com/absmach/coapnet/pkg/errors"
	"golang.org/x/sys/unix"
)

// recvNonBlocking performs a single recvfrom with MSG_DONTWAIT. It returns
// ErrWouldBlock instead of parking the goroutine when no datagram is queued.
func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, netip.AddrPort, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, netip.AddrPort{}, cerrors.ErrWouldBlock
		}
		return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", rerr)
	}

	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return n, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	}
	return n, netip.AddrPort{}, nil
}
