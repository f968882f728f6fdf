// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package securechannel

import (
	"errors"
	"fmt"

	"github.com/absmach/coapnet/pkg/address"
)

var (
	// ErrBufferTooSmall is returned when the output buffer cannot hold the result.
	ErrBufferTooSmall = errors.New("output buffer too small")

	// ErrNoCredentials is returned when a PSK identity or key is empty.
	ErrNoCredentials = errors.New("missing credentials")

	// ErrInvalidCertificate is returned when a certificate does not match its declared format.
	ErrInvalidCertificate = errors.New("invalid certificate")
)

// CertificateFormat identifies the encoding of certificate bytes.
type CertificateFormat int

const (
	FormatPEM CertificateFormat = iota
	FormatDER
)

func (f CertificateFormat) String() string {
	switch f {
	case FormatPEM:
		return "pem"
	case FormatDER:
		return "der"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// SendFunc transmits raw bytes to dst. The channel uses it for its own
// traffic, such as handshake flights, without knowing about sockets.
type SendFunc func(dst *address.Address, p []byte) error

// Channel encodes and decodes datagrams for secure peers.
//
// Credentials are process-wide, not per peer. Encrypt and Decrypt write
// into the caller's out buffer and return the number of bytes produced.
type Channel interface {
	// SetNetworkSendCallback registers the transmit primitive.
	SetNetworkSendCallback(fn SendFunc)

	// SetCertificate configures the certificate used for handshakes.
	SetCertificate(cert []byte, format CertificateFormat) error

	// SetPSK configures the pre-shared key and its identity.
	SetPSK(identity, key []byte) error

	// Encrypt encodes plaintext for dst into out.
	Encrypt(dst *address.Address, plaintext, out []byte) (int, error)

	// Decrypt decodes ciphertext received from src into out.
	Decrypt(src *address.Address, ciphertext, out []byte) (int, error)
}
