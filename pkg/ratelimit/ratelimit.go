// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastUse    time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
// A nil clock uses wall time.
func NewTokenBucket(capacity, refillRate int64, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &TokenBucket{
		clock:      clk,
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUse:    now,
	}
}

// Allow checks if a request should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUse = tb.clock.Now()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUse
}

// Limiter manages per-peer rate limiters.
type Limiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxPeers   int
}

// NewLimiter creates a new rate limiter with per-peer tracking. New peers
// beyond maxPeers are refused until Expire frees room.
func NewLimiter(capacity, refillRate int64, maxPeers int, clk clock.Clock) *Limiter {
	if maxPeers == 0 {
		maxPeers = 10000
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clock:      clk,
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxPeers:   maxPeers,
	}
}

// Allow checks if a datagram from the given peer should be allowed.
func (l *Limiter) Allow(peer string) bool {
	return l.AllowN(peer, 1)
}

// AllowN checks if N units from the given peer should be allowed.
func (l *Limiter) AllowN(peer string, n int64) bool {
	l.mu.Lock()
	tb, exists := l.limiters[peer]
	if !exists {
		if len(l.limiters) >= l.maxPeers {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.capacity, l.refillRate, l.clock)
		l.limiters[peer] = tb
	}
	l.mu.Unlock()

	return tb.AllowN(n)
}

// Remove removes a peer's rate limiter.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, peer)
}

// Expire drops limiters unused for longer than idle and returns how many went.
func (l *Limiter) Expire(idle time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for peer, tb := range l.limiters {
		if now.Sub(tb.idleSince()) > idle {
			delete(l.limiters, peer)
			removed++
		}
	}
	return removed
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() (peers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
