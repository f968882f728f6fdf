// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/absmach/coapnet/pkg/breaker"
	"github.com/absmach/coapnet/pkg/metrics"
	"github.com/absmach/coapnet/pkg/uri"
	"github.com/benbjohnson/clock"
)

// ErrResolve is returned when the host of a URI does not resolve to any address.
var ErrResolve = errors.New("hostname resolution failed")

// Resolver looks up the IP addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config holds the address registry configuration.
type Config struct {
	// CacheSize is the number of address cache slots.
	// If 0, uses DefaultCacheSize.
	CacheSize int

	// PrefixURIMatch enables the legacy URI lookup where a query matches a
	// cached URI that merely starts with it.
	PrefixURIMatch bool

	// ResolveTimeout bounds each hostname lookup. If 0, only the caller's
	// context bounds it.
	ResolveTimeout time.Duration

	// Resolver performs hostname lookups. Defaults to net.DefaultResolver.
	Resolver Resolver

	// Breaker, if set, guards Resolver. While open, New fails without
	// issuing a lookup.
	Breaker *breaker.CircuitBreaker

	// Clock stamps passive peer activity. Defaults to the wall clock.
	Clock clock.Clock

	// Logger for registry events
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Stats describes the registry occupancy.
type Stats struct {
	Entries  int
	Capacity int
	Passive  int
}

// Registry resolves endpoint URIs into shared Address handles and owns
// the cache that deduplicates them. It is safe for concurrent use; the
// lock is not held while resolving.
type Registry struct {
	config Config
	mu     sync.Mutex
	cache  *Cache
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Registry{
		config: cfg,
		cache:  NewCache(cfg.CacheSize, cfg.PrefixURIMatch),
	}
}

// New returns a handle for the endpoint rawURI refers to, taking one
// reference on it. A URI seen before returns the cached handle. Otherwise
// the host is resolved (blocking) and the result is deduplicated by
// address equality against the cache, so two URIs naming the same
// endpoint share a handle.
//
// Any error means the endpoint is unusable and nothing should be queued
// for it.
func (r *Registry) New(ctx context.Context, rawURI string) (*Address, error) {
	ep, err := uri.Parse(rawURI)
	if err != nil {
		r.config.Metrics.Resolved("parse_error", time.Time{})
		return nil, fmt.Errorf("parse %q: %w", rawURI, err)
	}

	r.mu.Lock()
	if a := r.cache.ByURI(rawURI); a != nil {
		a.useCount.Add(1)
		r.mu.Unlock()
		r.config.Metrics.CacheLookup(metrics.KeyURI, true)
		return a, nil
	}
	r.mu.Unlock()
	r.config.Metrics.CacheLookup(metrics.KeyURI, false)

	candidate, err := r.resolve(ctx, ep)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The URI may have been resolved by someone else while unlocked.
	a := r.cache.ByURI(rawURI)
	if a == nil {
		a = r.cache.ByAddress(candidate, rawURI)
		r.config.Metrics.CacheLookup(metrics.KeyAddress, a != nil)
	}
	if a == nil {
		a = candidate
		if err := r.add(a, rawURI); err != nil {
			r.config.Logger.Warn("address not cached",
				slog.String("uri", rawURI),
				slog.String("address", a.String()),
				slog.Int("capacity", r.cache.Cap()),
				slog.String("error", err.Error()))
		}
	}
	a.useCount.Add(1)

	r.config.Logger.Debug("endpoint resolved",
		slog.String("uri", rawURI),
		slog.String("address", a.String()),
		slog.Bool("secure", a.secure),
		slog.Int("use_count", a.UseCount()))

	return a, nil
}

func (r *Registry) resolve(ctx context.Context, ep uri.Endpoint) (*Address, error) {
	if r.config.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ResolveTimeout)
		defer cancel()
	}

	host := ep.ResolveHost()
	start := time.Now()
	var ips []netip.Addr
	err := r.config.Breaker.Call(func() error {
		var lerr error
		ips, lerr = r.config.Resolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil && errors.Is(ctx.Err(), context.Canceled) {
			// The caller gave up; the breaker does not count this.
			return fmt.Errorf("%w: %w", context.Canceled, lerr)
		}
		return lerr
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		r.config.Metrics.Resolved("circuit_open", time.Time{})
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, host, err)
	}
	if err != nil {
		r.config.Metrics.Resolved("resolve_error", start)
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, host, err)
	}
	if len(ips) == 0 {
		r.config.Metrics.Resolved("resolve_error", start)
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
	}

	a, err := newAddress(netip.AddrPortFrom(ips[0], ep.Port), ep.Secure)
	if err != nil {
		r.config.Metrics.Resolved("unsupported_family", start)
		return nil, fmt.Errorf("%s: %w", host, err)
	}
	r.config.Metrics.Resolved("ok", start)
	return a, nil
}

// add caches a and counts exhaustion. Must be called with r.mu held.
func (r *Registry) add(a *Address, rawURI string) error {
	if _, err := r.cache.Add(a, rawURI); err != nil {
		r.config.Metrics.CacheExhausted()
		return err
	}
	r.config.Metrics.SetCacheEntries(r.cache.Len())
	return nil
}

// Lookup returns the cached handle for rawURI without taking a reference.
func (r *Registry) Lookup(rawURI string) (*Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.cache.ByURI(rawURI)
	return a, a != nil
}

// URI returns the URI stored in the cache for a, if any.
func (r *Registry) URI(a *Address) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.URI(a)
}

// Observe returns the handle of the peer at ap, creating a uri-less,
// non-secure one if the peer is unknown. The returned handle is borrowed:
// the cache keeps the reference of a newly observed peer, and callers that
// keep the handle beyond the current datagram must Retain it.
func (r *Registry) Observe(ap netip.AddrPort) *Address {
	candidate, err := newAddress(ap, false)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.config.Clock.Now()
	if a := r.cache.ByAddress(candidate, ""); a != nil {
		a.lastSeen = now
		r.config.Metrics.CacheLookup(metrics.KeyAddress, true)
		return a
	}
	r.config.Metrics.CacheLookup(metrics.KeyAddress, false)

	candidate.passive = true
	candidate.lastSeen = now
	candidate.useCount.Store(1)
	// Once the cache is full every datagram from a new peer lands here.
	if err := r.add(candidate, ""); err != nil {
		r.config.Logger.Debug("peer not cached",
			slog.String("address", candidate.String()),
			slog.String("error", err.Error()))
		return candidate
	}

	r.config.Logger.Debug("peer observed",
		slog.String("address", candidate.String()))

	return candidate
}

// Retain takes an additional reference on a. It returns false if a has
// already been destroyed.
func (r *Registry) Retain(a *Address) bool {
	if a == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.useCount.Load() <= 0 {
		return false
	}
	a.useCount.Add(1)
	return true
}

// Free drops the reference held through ref and sets *ref to nil. When the
// last reference goes, the cache entry and its URI are removed.
func (r *Registry) Free(ref **Address) {
	if ref == nil || *ref == nil {
		return
	}
	a := *ref
	*ref = nil

	r.mu.Lock()
	defer r.mu.Unlock()
	r.release(a)
}

// release drops one reference. Must be called with r.mu held.
func (r *Registry) release(a *Address) bool {
	if a.useCount.Load() <= 0 {
		return false
	}
	if a.useCount.Add(-1) > 0 {
		return false
	}
	a.passive = false
	r.cache.Remove(a)
	r.config.Metrics.SetCacheEntries(r.cache.Len())
	r.config.Logger.Debug("address released", slog.String("address", a.String()))
	return true
}

// Expire releases the cache's reference on passively observed peers that
// have not been seen for longer than idle. It returns how many holds were
// released.
func (r *Registry) Expire(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.config.Clock.Now()
	count := 0
	for _, a := range r.cache.addresses() {
		if !a.passive || now.Sub(a.lastSeen) <= idle {
			continue
		}
		a.passive = false
		r.release(a)
		count++
	}

	if count > 0 {
		r.config.Metrics.PeersExpired(count)
		r.config.Logger.Debug("expired idle peers", slog.Int("count", count))
	}
	return count
}

// Cleanup runs Expire every idle/2 until ctx is cancelled.
// Should be called in a background goroutine.
func (r *Registry) Cleanup(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := r.config.Clock.Ticker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire(idle)
		}
	}
}

// Entries returns a snapshot of the cache.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Entries()
}

// Stats returns the registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Entries: r.cache.Len(), Capacity: r.cache.Cap()}
	for _, a := range r.cache.addresses() {
		if a.passive {
			s.Passive++
		}
	}
	return s
}
