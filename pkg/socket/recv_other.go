// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package socket

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	cerrors "github.com/absmach/coapnet/pkg/errors"
)

// pollWindow is how long a receive may wait where MSG_DONTWAIT is unavailable.
const pollWindow = time.Millisecond

func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, netip.AddrPort, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, ap, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, netip.AddrPort{}, cerrors.ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	return n, ap, nil
}
