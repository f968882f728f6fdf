// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"net"
	"syscall"

	cerrors "github.com/absmach/coapnet/pkg/errors"
)

// ErrorKind is the last error recorded on a socket.
type ErrorKind int32

const (
	ErrorNone ErrorKind = iota
	ErrorInvalidArguments
	ErrorRead
	ErrorSend
	ErrorConnectionLost
	ErrorInvalidSocket
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorInvalidArguments:
		return "invalid_arguments"
	case ErrorRead:
		return "read_error"
	case ErrorSend:
		return "send_error"
	case ErrorConnectionLost:
		return "connection_lost"
	case ErrorInvalidSocket:
		return "invalid_socket"
	default:
		return "unknown"
	}
}

// sentinel returns the package error matching k.
func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorInvalidArguments:
		return cerrors.ErrInvalidArguments
	case ErrorRead:
		return cerrors.ErrRead
	case ErrorSend:
		return cerrors.ErrSend
	case ErrorConnectionLost:
		return cerrors.ErrConnectionLost
	case ErrorInvalidSocket:
		return cerrors.ErrInvalidSocket
	default:
		return nil
	}
}

// isWouldBlock reports whether err means no progress could be made right now.
func isWouldBlock(err error) bool {
	return errors.Is(err, cerrors.ErrWouldBlock) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

// isClosed reports whether err means the descriptor is gone.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EBADF)
}

// isConnectionLost reports whether err means the peer association broke.
func isConnectionLost(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOTCONN)
}

// readErrorKind classifies a receive failure.
func readErrorKind(err error) ErrorKind {
	switch {
	case isClosed(err):
		return ErrorInvalidSocket
	case isConnectionLost(err):
		return ErrorConnectionLost
	default:
		return ErrorRead
	}
}
