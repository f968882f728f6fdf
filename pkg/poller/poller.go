// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/coapnet/pkg/address"
	cerrors "github.com/absmach/coapnet/pkg/errors"
	"github.com/absmach/coapnet/pkg/handler"
	"github.com/benbjohnson/clock"
)

const (
	// DefaultInterval is the default delay between drains.
	DefaultInterval = 10 * time.Millisecond

	// DefaultSessionTimeout is the default idle timeout for peer sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535
)

// Reader is the receive side of a socket.
type Reader interface {
	// Read returns (0, nil, nil) when nothing is queued.
	Read(buf []byte) (int, *address.Address, error)
}

// Config holds the poller configuration.
type Config struct {
	// Interval is the delay between drains. If 0, uses DefaultInterval.
	Interval time.Duration

	// BufferSize is the size of the receive buffer in bytes.
	// If 0, or above MaxDatagramSize, uses MaxDatagramSize.
	BufferSize int

	// SessionTimeout is the idle timeout for peer sessions.
	// If 0, uses DefaultSessionTimeout.
	SessionTimeout time.Duration

	// Clock drives the poll ticker and session timestamps.
	Clock clock.Clock

	// Logger for poller events
	Logger *slog.Logger
}

// Poller drives a non-blocking Reader on a fixed cadence and dispatches
// every datagram to a handler.
type Poller struct {
	config   Config
	reader   Reader
	handler  handler.Handler
	sessions *SessionManager
	buf      []byte
}

// New creates a poller. A nil handler drops every datagram.
func New(cfg Config, r Reader, h handler.Handler) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Poller{
		config:   cfg,
		reader:   r,
		handler:  h,
		sessions: NewSessionManager(cfg.Logger, cfg.Clock),
		buf:      make([]byte, cfg.BufferSize),
	}
}

// Sessions returns the peer session table.
func (p *Poller) Sessions() *SessionManager {
	return p.sessions
}

// Run drains the reader every interval until ctx is cancelled.
// Idle sessions are expired on the same ticker.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.config.Clock.Ticker(p.config.Interval)
	defer ticker.Stop()

	p.config.Logger.Info("poller started",
		slog.Duration("interval", p.config.Interval),
		slog.Int("buffer_size", p.config.BufferSize))

	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.Drain(ctx)
			p.sessions.Expire(p.config.SessionTimeout)
		}
	}
}

// Drain reads until the reader reports nothing queued or fails, and
// returns the number of datagrams dispatched. A read failure is passed
// to the handler and ends the drain.
func (p *Poller) Drain(ctx context.Context) int {
	count := 0
	for ctx.Err() == nil {
		n, src, err := p.reader.Read(p.buf)
		if err != nil {
			p.handler.OnError(ctx, errorKind(err), err)
			return count
		}
		if n == 0 || src == nil {
			return count
		}

		sess, _ := p.sessions.Touch(src.String())
		payload := make([]byte, n)
		copy(payload, p.buf[:n])

		hctx := handler.WithSession(ctx, sess.ID)
		if err := p.handler.OnDatagram(hctx, src.AddressType(), payload); err != nil {
			p.config.Logger.Debug("datagram handler error",
				slog.String("session", sess.ID),
				slog.String("peer", sess.Peer),
				slog.String("error", err.Error()))
		}
		count++
	}
	return count
}

func errorKind(err error) string {
	var te *cerrors.TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return "unknown"
}
