// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/coapnet/pkg/breaker"
	"github.com/absmach/coapnet/pkg/metrics"
	"github.com/absmach/coapnet/pkg/uri"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errNoSuchHost = errors.New("no such host")

type mockResolver struct {
	mu    sync.Mutex
	hosts map[string][]netip.Addr
	calls map[string]int
}

func newMockResolver(hosts map[string]string) *mockResolver {
	r := &mockResolver{
		hosts: make(map[string][]netip.Addr),
		calls: make(map[string]int),
	}
	for host, ip := range hosts {
		r.hosts[host] = []netip.Addr{netip.MustParseAddr(ip)}
	}
	return r
}

func (m *mockResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[host]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	ips, ok := m.hosts[host]
	if !ok {
		return nil, errNoSuchHost
	}
	return ips, nil
}

func (m *mockResolver) Calls(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[host]
}

func newTestRegistry(t *testing.T, cfg Config, hosts map[string]string) (*Registry, *mockResolver) {
	t.Helper()
	res := newMockResolver(hosts)
	cfg.Resolver = res
	return NewRegistry(cfg), res
}

func TestRegistryNewSchemes(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{}, map[string]string{"example.org": "198.51.100.7"})
	ctx := context.Background()

	tests := []struct {
		name    string
		uri     string
		port    uint16
		secure  bool
		wantErr error
	}{
		{name: "coap explicit port", uri: "coap://192.0.2.1:9999/rd", port: 9999},
		{name: "coap default port", uri: "coap://192.0.2.1/rd", port: 5683},
		{name: "coaps default port", uri: "coaps://example.org/bs", port: 5684, secure: true},
		{name: "coaps explicit port", uri: "coaps://example.org:7000/bs", port: 7000, secure: true},
		{name: "ipv6 literal", uri: "coap://[2001:db8::1]:5690/rd", port: 5690},
		{name: "unknown scheme", uri: "https://example.org/", wantErr: uri.ErrUnknownScheme},
		{name: "empty host", uri: "coap:///rd", wantErr: uri.ErrEmptyHost},
		{name: "unresolvable", uri: "coap://nowhere.invalid/rd", wantErr: ErrResolve},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := reg.New(ctx, tt.uri)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
				if a != nil {
					t.Error("New() returned an address on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if a.Port() != tt.port || a.Secure() != tt.secure {
				t.Errorf("New() = port %d secure %v, want %d %v", a.Port(), a.Secure(), tt.port, tt.secure)
			}
		})
	}
}

func TestRegistryNewReturnsSameHandle(t *testing.T) {
	reg, res := newTestRegistry(t, Config{}, map[string]string{"example.org": "198.51.100.7"})
	ctx := context.Background()

	first, err := reg.New(ctx, "coaps://example.org/bs")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.New(ctx, "coaps://example.org/bs")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatal("repeated New() returned different handles")
	}
	if first.UseCount() != 2 {
		t.Errorf("UseCount() = %d, want 2", first.UseCount())
	}
	if res.Calls("example.org") != 1 {
		t.Errorf("resolver called %d times, want 1", res.Calls("example.org"))
	}
}

func TestRegistryFreeReleases(t *testing.T) {
	reg, res := newTestRegistry(t, Config{}, map[string]string{"example.org": "198.51.100.7"})
	ctx := context.Background()
	const n = 3
	const rawURI = "coap://example.org/rd"

	handles := make([]*Address, n)
	for i := range handles {
		a, err := reg.New(ctx, rawURI)
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = a
	}

	for i := range handles {
		reg.Free(&handles[i])
		if handles[i] != nil {
			t.Fatal("Free() must clear the caller's reference")
		}
	}

	if _, ok := reg.Lookup(rawURI); ok {
		t.Fatal("lookup by URI hit after every reference was freed")
	}
	if reg.Stats().Entries != 0 {
		t.Errorf("Entries = %d, want 0", reg.Stats().Entries)
	}

	a, err := reg.New(ctx, rawURI)
	if err != nil {
		t.Fatal(err)
	}
	if res.Calls("example.org") != 2 {
		t.Errorf("resolver called %d times, want re-resolution", res.Calls("example.org"))
	}
	if a.UseCount() != 1 {
		t.Errorf("UseCount() = %d, want 1", a.UseCount())
	}

	// Freeing nil references is harmless.
	reg.Free(nil)
	var none *Address
	reg.Free(&none)
}

func TestRegistryDeduplicatesByAddress(t *testing.T) {
	reg, res := newTestRegistry(t, Config{}, map[string]string{
		"alias.example": "192.0.2.1",
	})
	ctx := context.Background()

	byLiteral, err := reg.New(ctx, "coap://192.0.2.1/rd")
	if err != nil {
		t.Fatal(err)
	}
	byName, err := reg.New(ctx, "coap://alias.example/rd")
	if err != nil {
		t.Fatal(err)
	}
	if byLiteral != byName {
		t.Fatal("two URIs naming the same endpoint must share a handle")
	}
	if byName.UseCount() != 2 {
		t.Errorf("UseCount() = %d, want 2", byName.UseCount())
	}

	// The entry already has a URI, so the alias is not stored and a new
	// request resolves again before deduplicating.
	if _, ok := reg.Lookup("coap://alias.example/rd"); ok {
		t.Error("second alias must not be retained")
	}
	if _, err := reg.New(ctx, "coap://alias.example/rd"); err != nil {
		t.Fatal(err)
	}
	if res.Calls("alias.example") != 2 {
		t.Errorf("resolver calls = %d, want 2", res.Calls("alias.example"))
	}
	if reg.Stats().Entries != 1 {
		t.Errorf("Entries = %d, want 1", reg.Stats().Entries)
	}
}

func TestRegistryCapacity(t *testing.T) {
	hosts := make(map[string]string)
	for i := 1; i <= 6; i++ {
		hosts[fmt.Sprintf("h%d.example", i)] = fmt.Sprintf("192.0.2.%d", i)
	}
	m := metrics.New("test", nil)
	reg, res := newTestRegistry(t, Config{CacheSize: 5, Metrics: m}, hosts)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := reg.New(ctx, fmt.Sprintf("coap://h%d.example/rd", i)); err != nil {
			t.Fatal(err)
		}
	}

	sixth, err := reg.New(ctx, "coap://h6.example/rd")
	if err != nil {
		t.Fatalf("exhausting the cache must not fail the caller: %v", err)
	}
	if sixth == nil || sixth.UseCount() != 1 {
		t.Fatal("sixth address should be usable")
	}
	if _, ok := reg.Lookup("coap://h6.example/rd"); ok {
		t.Error("sixth address must not be cached")
	}
	if got := testutil.ToFloat64(m.CacheFull); got != 1 {
		t.Errorf("cache full counter = %v, want 1", got)
	}

	again, err := reg.New(ctx, "coap://h6.example/rd")
	if err != nil {
		t.Fatal(err)
	}
	if res.Calls("h6.example") != 2 {
		t.Errorf("repeated New() for uncached URI resolved %d times, want 2", res.Calls("h6.example"))
	}
	if again == sixth {
		t.Error("uncached address cannot be found again")
	}

	// Freeing an uncached handle must not disturb cached ones.
	reg.Free(&sixth)
	if reg.Stats().Entries != 5 {
		t.Errorf("Entries = %d, want 5", reg.Stats().Entries)
	}
}

func TestRegistryFullCacheWarnsOnlyForNew(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m := metrics.New("test", nil)
	reg, _ := newTestRegistry(t, Config{CacheSize: 1, Logger: logger, Metrics: m}, nil)

	if _, err := reg.New(context.Background(), "coap://192.0.2.1"); err != nil {
		t.Fatal(err)
	}
	for port := uint16(40000); port < 40010; port++ {
		if reg.Observe(netip.AddrPortFrom(netip.MustParseAddr("203.0.113.5"), port)) == nil {
			t.Fatal("Observe() returned nil")
		}
	}
	if logs.Len() != 0 {
		t.Errorf("observing peers into a full cache logged %q", logs.String())
	}
	if got := testutil.ToFloat64(m.CacheFull); got != 10 {
		t.Errorf("cache full counter = %v, want 10", got)
	}

	if _, err := reg.New(context.Background(), "coap://192.0.2.2"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs.String(), "address not cached") {
		t.Errorf("New() into a full cache should warn, got %q", logs.String())
	}
}

func TestRegistryPrefixURIMatch(t *testing.T) {
	hosts := map[string]string{"example.org": "192.0.2.1"}

	exact, _ := newTestRegistry(t, Config{}, hosts)
	legacy, _ := newTestRegistry(t, Config{PrefixURIMatch: true}, hosts)
	ctx := context.Background()

	for _, reg := range []*Registry{exact, legacy} {
		if _, err := reg.New(ctx, "coap://example.org/rd"); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := exact.Lookup("coap://example.org"); ok {
		t.Error("exact matching must not match a shorter query")
	}
	if _, ok := legacy.Lookup("coap://example.org"); !ok {
		t.Error("legacy matching should match a shorter query")
	}
}

func TestRegistryResolveTimeout(t *testing.T) {
	reg := NewRegistry(Config{
		ResolveTimeout: time.Millisecond,
		Resolver:       blockingResolver{},
	})
	_, err := reg.New(context.Background(), "coap://slow.example/rd")
	if !errors.Is(err, ErrResolve) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("New() error = %v, want resolve deadline error", err)
	}
}

type blockingResolver struct{}

func (blockingResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type emptyResolver struct{}

func (emptyResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return nil, nil
}

func TestRegistryEmptyResolution(t *testing.T) {
	reg := NewRegistry(Config{Resolver: emptyResolver{}})
	if _, err := reg.New(context.Background(), "coap://void.example"); !errors.Is(err, ErrResolve) {
		t.Errorf("New() error = %v, want ErrResolve", err)
	}
}

func TestRegistryResolveBreaker(t *testing.T) {
	mock := clock.NewMock()
	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Minute, SuccessThreshold: 1, Clock: mock})
	reg, res := newTestRegistry(t, Config{Breaker: cb}, map[string]string{"up.example": "192.0.2.10"})

	for i := 0; i < 2; i++ {
		if _, err := reg.New(context.Background(), "coap://down.example"); !errors.Is(err, errNoSuchHost) {
			t.Fatalf("New() error = %v, want errNoSuchHost", err)
		}
	}

	// Open: no lookup is issued, even for a healthy host.
	_, err := reg.New(context.Background(), "coap://up.example")
	if !errors.Is(err, ErrResolve) || !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("New() error = %v, want ErrResolve and ErrCircuitOpen", err)
	}
	if res.Calls("up.example") != 0 {
		t.Errorf("lookups while open = %d, want 0", res.Calls("up.example"))
	}

	mock.Add(time.Minute)
	a, err := reg.New(context.Background(), "coap://up.example")
	if err != nil {
		t.Fatalf("New() after reset error = %v", err)
	}
	reg.Free(&a)
	if cb.State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

func TestRegistryCancelledResolveKeepsBreakerClosed(t *testing.T) {
	cb := breaker.New(breaker.Config{MaxFailures: 1, Clock: clock.NewMock()})
	reg, _ := newTestRegistry(t, Config{Breaker: cb}, map[string]string{"up.example": "192.0.2.10"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		if _, err := reg.New(ctx, "coap://up.example"); !errors.Is(err, context.Canceled) {
			t.Fatalf("New() error = %v, want context.Canceled", err)
		}
	}
	if cb.State() != breaker.StateClosed {
		t.Fatalf("breaker state = %v after cancelled lookups, want closed", cb.State())
	}

	if _, err := reg.New(context.Background(), "coap://down.example"); !errors.Is(err, errNoSuchHost) {
		t.Fatalf("New() error = %v, want errNoSuchHost", err)
	}
	if cb.State() != breaker.StateOpen {
		t.Errorf("breaker state = %v after a lookup failure, want open", cb.State())
	}
}

func TestRegistryObserve(t *testing.T) {
	mock := clock.NewMock()
	reg, _ := newTestRegistry(t, Config{Clock: mock}, nil)

	ap := netip.MustParseAddrPort("203.0.113.5:40000")
	peer := reg.Observe(ap)
	if peer == nil {
		t.Fatal("Observe() returned nil")
	}
	if peer.Secure() || reg.URI(peer) != "" {
		t.Error("observed peers are uri-less and not secure")
	}
	if peer.UseCount() != 1 {
		t.Errorf("UseCount() = %d, want the cache hold of 1", peer.UseCount())
	}

	// Mapped form of the same peer resolves to the same handle.
	if again := reg.Observe(netip.MustParseAddrPort("[::ffff:203.0.113.5]:40000")); again != peer {
		t.Error("Observe() of a known peer must return the cached handle")
	}
	if peer.UseCount() != 1 {
		t.Errorf("Observe() must not take references, UseCount() = %d", peer.UseCount())
	}

	if reg.Observe(netip.AddrPort{}) != nil {
		t.Error("Observe() of an invalid address should return nil")
	}
}

func TestRegistryObservedPeerGainsURI(t *testing.T) {
	reg, res := newTestRegistry(t, Config{}, map[string]string{"server.example": "203.0.113.5"})
	ctx := context.Background()

	peer := reg.Observe(netip.MustParseAddrPort("203.0.113.5:5683"))

	a, err := reg.New(ctx, "coap://server.example/rd")
	if err != nil {
		t.Fatal(err)
	}
	if a != peer {
		t.Fatal("resolution must reuse the observed handle")
	}
	if reg.URI(peer) != "coap://server.example/rd" {
		t.Errorf("URI() = %q, want alias attached", reg.URI(peer))
	}

	if _, err := reg.New(ctx, "coap://server.example/rd"); err != nil {
		t.Fatal(err)
	}
	if res.Calls("server.example") != 1 {
		t.Errorf("resolver calls = %d, attached alias should hit the cache", res.Calls("server.example"))
	}
}

func TestRegistryExpire(t *testing.T) {
	mock := clock.NewMock()
	m := metrics.New("test", nil)
	reg, _ := newTestRegistry(t, Config{Clock: mock, Metrics: m}, nil)

	idle := reg.Observe(netip.MustParseAddrPort("203.0.113.1:1000"))
	kept := reg.Observe(netip.MustParseAddrPort("203.0.113.2:1000"))
	retained := reg.Observe(netip.MustParseAddrPort("203.0.113.3:1000"))
	if !reg.Retain(retained) {
		t.Fatal("Retain() = false")
	}

	mock.Add(30 * time.Second)
	reg.Observe(netip.MustParseAddrPort("203.0.113.2:1000"))
	mock.Add(40 * time.Second)

	if n := reg.Expire(time.Minute); n != 2 {
		t.Fatalf("Expire() = %d, want 2", n)
	}
	if idle.UseCount() != 0 {
		t.Errorf("idle peer UseCount() = %d, want 0", idle.UseCount())
	}
	if kept.UseCount() != 1 {
		t.Errorf("recently seen peer UseCount() = %d, want 1", kept.UseCount())
	}
	if retained.UseCount() != 1 {
		t.Errorf("retained peer UseCount() = %d, want 1", retained.UseCount())
	}

	stats := reg.Stats()
	if stats.Entries != 2 || stats.Passive != 1 {
		t.Errorf("Stats() = %+v, want 2 entries, 1 passive", stats)
	}
	if reg.Retain(idle) {
		t.Error("Retain() on a destroyed handle must fail")
	}
	if got := testutil.ToFloat64(m.ExpiredPeers); got != 2 {
		t.Errorf("expired peers counter = %v, want 2", got)
	}

	reg.Free(&retained)
	if reg.Stats().Entries != 1 {
		t.Errorf("Entries = %d, want 1", reg.Stats().Entries)
	}
}

func TestRegistryCleanupStops(t *testing.T) {
	reg := NewRegistry(Config{Clock: clock.NewMock()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.Cleanup(ctx, time.Minute)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cleanup() did not return after cancel")
	}

	// A non-positive idle timeout disables cleanup.
	reg.Cleanup(context.Background(), 0)
}

func TestRegistryEntries(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{}, nil)
	if _, err := reg.New(context.Background(), "coaps://192.0.2.44:7000"); err != nil {
		t.Fatal(err)
	}
	reg.Observe(netip.MustParseAddrPort("203.0.113.9:9"))

	entries := reg.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() len = %d", len(entries))
	}
	if entries[0].URI != "coaps://192.0.2.44:7000" || !entries[0].Address.Secure || entries[0].Passive {
		t.Errorf("unexpected resolved entry %+v", entries[0])
	}
	if entries[1].URI != "" || !entries[1].Passive || entries[1].UseCount != 1 {
		t.Errorf("unexpected observed entry %+v", entries[1])
	}
}

func TestRegistryConcurrentNew(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{}, map[string]string{"example.org": "192.0.2.1"})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*Address, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.New(ctx, "coap://example.org/rd")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = a
		}(i)
	}
	wg.Wait()

	for _, a := range results[1:] {
		if a != results[0] {
			t.Fatal("concurrent New() produced distinct handles")
		}
	}
	if results[0].UseCount() != workers {
		t.Errorf("UseCount() = %d, want %d", results[0].UseCount(), workers)
	}
}
