// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/coapnet/pkg/address"
	"github.com/absmach/coapnet/pkg/coapmsg"
	"github.com/benbjohnson/clock"
)

// sender is the transmit side of a socket.
type sender interface {
	Send(dst *address.Address, p []byte) error
}

// prober holds a reference on every configured server and pings them
// on a fixed interval. With cleartext set the socket's secure channel does
// not encrypt, and coaps servers are flagged when added.
type prober struct {
	registry  *address.Registry
	sock      sender
	interval  time.Duration
	cleartext bool
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	servers []*address.Address
	uris    []string
	mid     uint16
}

func newProber(reg *address.Registry, sock sender, interval time.Duration, cleartext bool, logger *slog.Logger) *prober {
	return &prober{
		registry:  reg,
		sock:      sock,
		interval:  interval,
		cleartext: cleartext,
		clock:     clock.New(),
		logger:    logger,
	}
}

// Add resolves uri and keeps its handle until Close.
func (p *prober) Add(ctx context.Context, uri string) error {
	a, err := p.registry.New(ctx, uri)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.servers = append(p.servers, a)
	p.uris = append(p.uris, uri)
	p.mu.Unlock()

	p.logger.Info("server added",
		slog.String("uri", uri),
		slog.String("address", a.String()),
		slog.Bool("secure", a.Secure()))
	if a.Secure() && p.cleartext {
		p.logger.Warn("secure server reached through a passthrough channel, payloads are sent in cleartext",
			slog.String("uri", uri))
	}
	return nil
}

// Run pings every server once, then on each tick, until ctx is cancelled.
func (p *prober) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	p.pingAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pingAll(ctx)
		}
	}
}

func (p *prober) pingAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, srv := range p.servers {
		p.mid++
		data, err := coapmsg.Ping(ctx, int32(p.mid))
		if err != nil {
			p.logger.Error("failed to build ping", slog.String("error", err.Error()))
			return
		}
		if err := p.sock.Send(srv, data); err != nil {
			p.logger.Warn("ping failed",
				slog.String("uri", p.uris[i]),
				slog.String("error", err.Error()))
			continue
		}
		p.logger.Debug("ping sent",
			slog.String("uri", p.uris[i]),
			slog.Int("mid", int(p.mid)))
	}
}

// Close releases every server handle.
func (p *prober) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.servers {
		p.registry.Free(&p.servers[i])
	}
	p.servers = nil
	p.uris = nil
}
