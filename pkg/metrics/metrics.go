// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for coapnet.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by the collectors.
const (
	KeyURI     = "uri"
	KeyAddress = "address"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds all Prometheus metrics for coapnet.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Address cache metrics
	CacheLookups *prometheus.CounterVec
	CacheEntries prometheus.Gauge
	CacheFull    prometheus.Counter
	ExpiredPeers prometheus.Counter

	// Resolver metrics
	Resolutions     *prometheus.CounterVec
	ResolveDuration prometheus.Histogram

	// Socket metrics
	Datagrams    *prometheus.CounterVec
	Bytes        *prometheus.CounterVec
	SocketErrors *prometheus.CounterVec
	SecureOps    *prometheus.CounterVec

	// Receive pipeline metrics
	HandlerCalls    *prometheus.CounterVec
	HandlerDuration prometheus.Histogram
	RateLimited     prometheus.Counter
	BreakerState    prometheus.Gauge
}

// New creates a new Metrics instance registered on reg.
// If reg is nil a private registry is used, which keeps repeated
// construction in tests from colliding on the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "coapnet"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_cache_lookups_total",
				Help:      "Address cache lookups by key type and result",
			},
			[]string{"key", "result"},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "address_cache_entries",
				Help:      "Number of occupied address cache slots",
			},
		),
		CacheFull: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_cache_full_total",
				Help:      "Addresses that could not be cached because every slot was taken",
			},
		),
		ExpiredPeers: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_cache_expired_peers_total",
				Help:      "Passively observed peers released after idling",
			},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Endpoint resolutions by result",
			},
			[]string{"result"},
		),
		ResolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Time spent in blocking hostname resolution",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
		Datagrams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Datagrams moved through the socket",
			},
			[]string{"direction", "secure"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagram_bytes_total",
				Help:      "Bytes moved through the socket, as seen on the wire",
			},
			[]string{"direction"},
		),
		SocketErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "socket_errors_total",
				Help:      "Socket errors by recorded kind",
			},
			[]string{"kind"},
		),
		SecureOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secure_channel_operations_total",
				Help:      "Secure channel encrypt and decrypt calls by result",
			},
			[]string{"op", "result"},
		),
		HandlerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Datagram handler invocations by result",
			},
			[]string{"result"},
		),
		HandlerDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Time spent in the datagram handler",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_datagrams_total",
				Help:      "Inbound datagrams dropped by the per-peer rate limiter",
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resolver_breaker_state",
				Help:      "Resolver circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}

// CacheLookup records a cache lookup.
func (m *Metrics) CacheLookup(key string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(key, result).Inc()
}

// SetCacheEntries sets the occupied slot gauge.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// CacheExhausted counts an address left uncached.
func (m *Metrics) CacheExhausted() {
	if m == nil {
		return
	}
	m.CacheFull.Inc()
}

// PeersExpired counts released passive peers.
func (m *Metrics) PeersExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredPeers.Add(float64(n))
}

// Resolved records a resolution outcome and, when start is non-zero, its duration.
func (m *Metrics) Resolved(result string, start time.Time) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(result).Inc()
	if !start.IsZero() {
		m.ResolveDuration.Observe(time.Since(start).Seconds())
	}
}

// Datagram records one datagram of n wire bytes.
func (m *Metrics) Datagram(direction string, secure bool, n int) {
	if m == nil {
		return
	}
	m.Datagrams.WithLabelValues(direction, strconv.FormatBool(secure)).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

// SocketError records a socket error kind.
func (m *Metrics) SocketError(kind string) {
	if m == nil {
		return
	}
	m.SocketErrors.WithLabelValues(kind).Inc()
}

// SecureOp records an encrypt or decrypt call.
func (m *Metrics) SecureOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SecureOps.WithLabelValues(op, result).Inc()
}

// Handled records a handler invocation and its duration.
func (m *Metrics) Handled(err error, start time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HandlerCalls.WithLabelValues(result).Inc()
	m.HandlerDuration.Observe(time.Since(start).Seconds())
}

// Throttled counts a datagram dropped by rate limiting.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// SetBreakerState sets the resolver breaker gauge.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}
