// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package securechannel

import (
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/coapnet/pkg/address"
)

var _ Channel = (*Passthrough)(nil)

// Passthrough is a Channel that copies payloads unchanged. It is used when
// no DTLS implementation is linked in, and records the credentials it is
// given so configuration errors still surface.
type Passthrough struct {
	mu       sync.Mutex
	send     SendFunc
	cert     []byte
	format   CertificateFormat
	identity []byte
	key      []byte
	logger   *slog.Logger
}

// NewPassthrough creates a passthrough channel.
func NewPassthrough(logger *slog.Logger) *Passthrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &Passthrough{logger: logger}
}

func (p *Passthrough) SetNetworkSendCallback(fn SendFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send = fn
}

// SendCallback returns the registered transmit primitive.
func (p *Passthrough) SendCallback() SendFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send
}

func (p *Passthrough) SetCertificate(cert []byte, format CertificateFormat) error {
	if len(cert) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidCertificate)
	}
	switch format {
	case FormatPEM:
		if block, _ := pem.Decode(cert); block == nil {
			return fmt.Errorf("%w: no PEM block found", ErrInvalidCertificate)
		}
	case FormatDER:
	default:
		return fmt.Errorf("%w: unknown format %s", ErrInvalidCertificate, format)
	}

	p.mu.Lock()
	p.cert = append([]byte(nil), cert...)
	p.format = format
	p.mu.Unlock()

	p.logger.Info("certificate configured",
		slog.String("format", format.String()),
		slog.Int("length", len(cert)))
	return nil
}

func (p *Passthrough) SetPSK(identity, key []byte) error {
	if len(identity) == 0 || len(key) == 0 {
		return ErrNoCredentials
	}

	p.mu.Lock()
	p.identity = append([]byte(nil), identity...)
	p.key = append([]byte(nil), key...)
	p.mu.Unlock()

	p.logger.Info("psk configured", slog.String("identity", string(identity)))
	return nil
}

// PSKIdentity returns the configured PSK identity.
func (p *Passthrough) PSKIdentity() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Certificate returns the configured certificate and format.
func (p *Passthrough) Certificate() ([]byte, CertificateFormat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cert, p.format
}

func (p *Passthrough) Encrypt(dst *address.Address, plaintext, out []byte) (int, error) {
	return copyInto(plaintext, out)
}

func (p *Passthrough) Decrypt(src *address.Address, ciphertext, out []byte) (int, error) {
	return copyInto(ciphertext, out)
}

func copyInto(in, out []byte) (int, error) {
	if len(out) < len(in) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, len(in), len(out))
	}
	return copy(out, in), nil
}
