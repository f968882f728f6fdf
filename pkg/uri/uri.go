// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package uri

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// SchemeCoAP is the plaintext CoAP scheme.
	SchemeCoAP = "coap"

	// SchemeCoAPS is the DTLS-secured CoAP scheme.
	SchemeCoAPS = "coaps"

	// DefaultPort is used for coap:// references without an explicit port.
	DefaultPort = 5683

	// DefaultSecurePort is used for coaps:// references without an explicit port.
	DefaultSecurePort = 5684

	schemeSeparator = "://"
)

var (
	// ErrUnknownScheme is returned when the scheme is not exactly coap or coaps.
	ErrUnknownScheme = errors.New("unknown uri scheme")

	// ErrEmptyHost is returned when no host text precedes the port or path.
	ErrEmptyHost = errors.New("empty uri host")

	// ErrInvalidPort is returned when the port does not fit in 16 bits.
	ErrInvalidPort = errors.New("invalid uri port")
)

// Endpoint is the result of parsing an endpoint reference.
type Endpoint struct {
	Scheme string
	// Host is the raw host text. Bracketed literals keep their brackets.
	Host   string
	Port   uint16
	Secure bool
}

// HostLength returns the number of bytes of host text.
func (e Endpoint) HostLength() int {
	return len(e.Host)
}

// ResolveHost returns the host in the form a resolver accepts,
// with the brackets of an IP literal removed.
func (e Endpoint) ResolveHost() string {
	h := e.Host
	if len(h) >= 2 && h[0] == '[' && h[len(h)-1] == ']' {
		return h[1 : len(h)-1]
	}
	return h
}

// Address returns host:port suitable for net.Dial style functions.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.ResolveHost(), strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

type state uint8

const (
	stateScheme state = iota
	stateHostname
	statePort
	stateDone
)

func (s state) String() string {
	switch s {
	case stateScheme:
		return "scheme"
	case stateHostname:
		return "hostname"
	case statePort:
		return "port"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// parser holds the scanner position and the fields accumulated so far.
type parser struct {
	in        string
	pos       int
	st        state
	hostStart int
	ep        Endpoint
	port      uint32
}

// Parse parses scheme://host[:port][/path] where scheme is coap or coaps.
// Inside the port, non-digit characters are skipped. A leading '[' in the
// host is skipped to its matching ']' and kept as opaque text.
func Parse(uri string) (Endpoint, error) {
	p := parser{in: uri, st: stateScheme}
	for p.st != stateDone {
		var err error
		switch p.st {
		case stateScheme:
			err = p.scheme()
		case stateHostname:
			p.hostname()
		case statePort:
			err = p.portDigits()
		}
		if err != nil {
			return Endpoint{}, err
		}
	}

	if p.ep.Host == "" {
		return Endpoint{}, ErrEmptyHost
	}
	return p.ep, nil
}

func (p *parser) scheme() error {
	idx := strings.Index(p.in, schemeSeparator)
	if idx < 0 {
		return fmt.Errorf("%w: missing %q", ErrUnknownScheme, schemeSeparator)
	}

	switch scheme := p.in[:idx]; scheme {
	case SchemeCoAP:
		p.ep.Port = DefaultPort
	case SchemeCoAPS:
		p.ep.Port = DefaultSecurePort
		p.ep.Secure = true
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	p.ep.Scheme = p.in[:idx]
	p.pos = idx + len(schemeSeparator)
	p.hostStart = p.pos
	p.st = stateHostname
	return nil
}

func (p *parser) hostname() {
	if p.pos < len(p.in) && p.in[p.pos] == '[' {
		end := strings.IndexByte(p.in[p.pos:], ']')
		if end < 0 {
			p.pos = len(p.in)
		} else {
			p.pos += end + 1
		}
	}

	for ; p.pos < len(p.in); p.pos++ {
		switch p.in[p.pos] {
		case ':':
			p.ep.Host = p.in[p.hostStart:p.pos]
			p.port = 0
			p.pos++
			p.st = statePort
			return
		case '/':
			p.ep.Host = p.in[p.hostStart:p.pos]
			p.st = stateDone
			return
		}
	}

	p.ep.Host = p.in[p.hostStart:]
	p.st = stateDone
}

func (p *parser) portDigits() error {
	for ; p.pos < len(p.in); p.pos++ {
		c := p.in[p.pos]
		if c == '/' {
			break
		}
		if c < '0' || c > '9' {
			continue
		}
		p.port = p.port*10 + uint32(c-'0')
		if p.port > 0xFFFF {
			return fmt.Errorf("%w: exceeds 65535", ErrInvalidPort)
		}
	}
	p.ep.Port = uint16(p.port)
	p.st = stateDone
	return nil
}
