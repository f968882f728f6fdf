// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/absmach/coapnet/pkg/address"
	"github.com/absmach/coapnet/pkg/handler"
	"github.com/absmach/coapnet/pkg/metrics"
	"github.com/absmach/coapnet/pkg/ratelimit"
)

// RateLimitedHandler drops datagrams from peers that exceed their budget.
type RateLimitedHandler struct {
	handler handler.Handler
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Handler = (*RateLimitedHandler)(nil)

// OnDatagram implements handler.Handler with per-peer rate limiting.
func (h *RateLimitedHandler) OnDatagram(ctx context.Context, src address.AddressType, payload []byte) error {
	peer := peerKey(src)
	if !h.limiter.Allow(peer) {
		h.metrics.Throttled()
		h.logger.Warn("Per-peer rate limit exceeded",
			slog.String("peer", peer),
			slog.String("session", handler.SessionID(ctx)))
		return ratelimit.ErrRateLimitExceeded
	}
	return h.handler.OnDatagram(ctx, src, payload)
}

// OnError implements handler.Handler.
func (h *RateLimitedHandler) OnError(ctx context.Context, kind string, err error) {
	h.handler.OnError(ctx, kind, err)
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// OnDatagram implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDatagram(ctx context.Context, src address.AddressType, payload []byte) error {
	start := time.Now()
	err := h.handler.OnDatagram(ctx, src, payload)
	h.metrics.Handled(err, start)
	return err
}

// OnError implements handler.Handler.
func (h *InstrumentedHandler) OnError(ctx context.Context, kind string, err error) {
	h.logger.Debug("poll error", slog.String("kind", kind))
	h.handler.OnError(ctx, kind, err)
}

func peerKey(src address.AddressType) string {
	ip, ok := netip.AddrFromSlice(src.Addr)
	if !ok {
		return ""
	}
	return netip.AddrPortFrom(ip, src.Port).String()
}
