// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Session limits and defaults.
const (
	MaxDurationSeconds = 86400
	MinPoolStart       = 1
	MaxPoolStart       = 50
	MinPoolMax         = 1
	MaxPoolMax         = 100

	DefaultLifetime        = time.Hour
	DefaultMaxSessions     = 100
	DefaultCleanupInterval = 5 * time.Minute

	tokenBytes = 256
)

// Credentials are the upstream database credentials bound to a session.
type Credentials struct {
	Username string
	Password string
}

// Session pairs a bearer token with its credentials and pool.
type Session struct {
	Token       string
	Host        string
	Credentials Credentials
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time

	pool *sources.Pool
}

// Options configure the session manager. Zero values fall back to the
// package defaults.
type Options struct {
	Keys            *KeyPair
	DefaultLifetime time.Duration
	MaxSessions     int
	CleanupInterval time.Duration
	AllowHTTP       bool

	// Instrumentation feeds the active-session gauge. Nil disables it.
	Instrumentation *telemetry.Instrumentation

	// Open is the pool opener, swappable in tests.
	Open sources.OpenFunc
}

// Manager owns every session and its pool. All mutation happens under its
// lock; the reaper runs until Shutdown.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager builds the manager and starts the reaper.
func NewManager(opts Options) *Manager {
	if opts.DefaultLifetime <= 0 {
		opts.DefaultLifetime = DefaultLifetime
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		opts:     opts,
		done:     make(chan struct{}),
	}
	go m.reap()
	return m
}

// Keys exposes the server keypair for the public-key endpoint. Nil when the
// manager runs without envelope support.
func (m *Manager) Keys() *KeyPair {
	return m.opts.Keys
}

// AllowHTTP reports whether the development-only plain-HTTP allowance is on.
func (m *Manager) AllowHTTP() bool {
	return m.opts.AllowHTTP
}

// validateRequest applies the session-shape bounds and fills defaults.
func (m *Manager) validateRequest(req *SessionRequest) error {
	var violations []string
	if req.Host == "" {
		violations = append(violations, "host is required")
	}
	if req.Duration == 0 {
		req.Duration = int(m.opts.DefaultLifetime / time.Second)
	}
	if req.Duration <= 0 || req.Duration > MaxDurationSeconds {
		violations = append(violations, "duration must be in (0, 86400]")
	}
	if req.PoolStart == 0 {
		req.PoolStart = sources.DefaultStartingSize
	}
	if req.PoolStart < MinPoolStart || req.PoolStart > MaxPoolStart {
		violations = append(violations, "poolstart must be in [1, 50]")
	}
	if req.PoolMax == 0 {
		req.PoolMax = sources.DefaultMaxSize
	}
	if req.PoolMax < MinPoolMax || req.PoolMax > MaxPoolMax {
		violations = append(violations, "poolmax must be in [1, 100]")
	}
	if req.PoolStart > req.PoolMax {
		violations = append(violations, "poolstart must not exceed poolmax")
	}
	if len(violations) > 0 {
		return util.NewError(util.KindValidation, "invalid session request", violations...)
	}
	return nil
}

// Issue validates the request, enforces the concurrency cap, connects the
// per-token pool, and stores the session. The token is stored only after the
// pool exists.
func (m *Manager) Issue(ctx context.Context, creds Credentials, req SessionRequest) (*Session, error) {
	if err := m.validateRequest(&req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, util.ValidationErrorf("session limit of %d reached", m.opts.MaxSessions)
	}
	m.mu.Unlock()

	cfg := sources.Config{Host: req.Host, User: creds.Username, Password: creds.Password}
	pool, err := sources.NewPool(ctx, cfg, sources.PoolOptions{StartingSize: req.PoolStart, MaxSize: req.PoolMax}, m.opts.Open)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		pool.Close()
		return nil, util.InternalError("unable to generate session token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now()
	session := &Session{
		Token:       token,
		Host:        req.Host,
		Credentials: creds,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(req.Duration) * time.Second),
		LastUsedAt:  now,
		pool:        pool,
	}

	m.mu.Lock()
	// Re-check the cap: another issue may have landed while connecting.
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		pool.Close()
		return nil, util.ValidationErrorf("session limit of %d reached", m.opts.MaxSessions)
	}
	m.sessions[token] = session
	m.mu.Unlock()

	m.gaugeAdd(1)
	return session, nil
}

// gaugeAdd moves the active-session gauge. Every store pairs with exactly
// one removal (validate-expiry, revoke, reap, or shutdown), so the gauge
// tracks len(m.sessions).
func (m *Manager) gaugeAdd(delta int64) {
	if m.opts.Instrumentation == nil {
		return
	}
	m.opts.Instrumentation.AuthSessionGauge.Add(context.Background(), delta)
}

// Validate resolves a bearer token. A token observed at or past its expiry
// is deleted and rejected.
func (m *Manager) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, util.UnauthorizedErrorf("missing bearer token")
	}
	now := time.Now()

	m.mu.Lock()
	session, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, util.UnauthorizedErrorf("unknown bearer token")
	}
	if !now.Before(session.ExpiresAt) {
		delete(m.sessions, token)
		m.mu.Unlock()
		session.pool.Close()
		m.gaugeAdd(-1)
		return nil, util.UnauthorizedErrorf("session expired")
	}
	session.LastUsedAt = now
	m.mu.Unlock()
	return session, nil
}

// Revoke deletes a session and closes its pool.
func (m *Manager) Revoke(token string) error {
	m.mu.Lock()
	session, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()
	if !ok {
		return util.UnauthorizedErrorf("unknown bearer token")
	}
	m.gaugeAdd(-1)
	return session.pool.Close()
}

// Execute routes a bound statement to the pool of the session behind token.
func (m *Manager) Execute(ctx context.Context, token, statement string, values []any) (*sources.RowSet, error) {
	session, err := m.Validate(token)
	if err != nil {
		return nil, err
	}
	return session.pool.Execute(ctx, statement, values)
}

// ActiveSessions reports the current session count.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the reaper, closes every pool, and clears the token map.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, session := range m.sessions {
		session.pool.Close()
		delete(m.sessions, token)
		m.gaugeAdd(-1)
	}
}

// reap periodically deletes expired sessions and tears down their pools.
// Errors here are logged by callers' pools and never reach tool callers.
func (m *Manager) reap() {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reapExpired(time.Now())
		}
	}
}

func (m *Manager) reapExpired(now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for token, session := range m.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(m.sessions, token)
			expired = append(expired, session)
		}
	}
	m.mu.Unlock()
	for _, session := range expired {
		session.pool.Close()
		m.gaugeAdd(-1)
	}
}
