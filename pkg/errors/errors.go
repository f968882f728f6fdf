// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for coapnet.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidArguments indicates a call with a nil handle or empty buffer.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrRead indicates a receive failed for a reason other than would-block.
	ErrRead = errors.New("read error")

	// ErrSend indicates a transmission was aborted before all bytes were accepted.
	ErrSend = errors.New("send error")

	// ErrConnectionLost indicates the peer reset or the socket is no longer connected.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvalidSocket indicates the socket is closed or was never bound.
	ErrInvalidSocket = errors.New("invalid socket")

	// ErrWouldBlock indicates the operation could not make progress right now.
	ErrWouldBlock = errors.New("operation would block")
)

// TransportError wraps an error with additional context.
type TransportError struct {
	Op   string // Operation that failed
	Kind string // Recorded error kind (read, send, ...)
	Peer string // Remote address, if known
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// New creates a new TransportError.
func New(op, kind, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{
		Op:   op,
		Kind: kind,
		Peer: peer,
		Err:  err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
