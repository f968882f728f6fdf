// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Session tracks one remote peer seen by the poller.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// Peer is the remote address in host:port form
	Peer string

	// LastActivity tracks the last time a datagram was received
	LastActivity time.Time
}

// SessionManager assigns session ids to peers keyed by address.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.Mutex
	logger   *slog.Logger
	clock    clock.Clock
}

// NewSessionManager creates a new session manager.
func NewSessionManager(logger *slog.Logger, clk clock.Clock) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger,
		clock:    clk,
	}
}

// Touch returns the session for peer, creating it on first sight, and
// refreshes its activity time. The bool reports whether it was created.
func (sm *SessionManager) Touch(peer string) (Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if sess, ok := sm.sessions[peer]; ok {
		sess.LastActivity = now
		return *sess, false
	}

	sess := &Session{
		ID:           uuid.New().String(),
		Peer:         peer,
		LastActivity: now,
	}
	sm.sessions[peer] = sess

	sm.logger.Debug("new peer session",
		slog.String("session", sess.ID),
		slog.String("peer", peer))

	return *sess, true
}

// Get returns the session for peer, if any.
func (sm *SessionManager) Get(peer string) (Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[peer]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Len returns the number of tracked sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Expire removes sessions idle longer than timeout and returns how many went.
func (sm *SessionManager) Expire(timeout time.Duration) int {
	now := sm.clock.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity) > timeout {
			sm.logger.Debug("session timeout",
				slog.String("session", sess.ID),
				slog.String("peer", sess.Peer))
			delete(sm.sessions, key)
			removed++
		}
	}

	if removed > 0 {
		sm.logger.Debug("cleaned up expired sessions", slog.Int("count", removed))
	}
	return removed
}
