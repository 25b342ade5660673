// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package session tracks live sessions. The Manager's map is guarded by a
// read/write mutex used only for lookups, inserts and removals; all work on
// a session's store and program happens under that session's own lock, so
// sessions never contend with each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Query-farm/wart-worker/graph"
	"github.com/Query-farm/wart-worker/sandbox"
	"github.com/Query-farm/wart-worker/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidProgram  = errors.New("invalid program")
	ErrTooManySessions = errors.New("too many sessions")
)

const (
	defaultIdleTimeout = 10 * time.Minute
	defaultSweep       = time.Minute
)

// OpenParams describe a session to open.
type OpenParams struct {
	SpaceName string
	Program   []byte
	IOTimeout time.Duration
	// ExTimeout bounds each invocation. Zero selects the manager default.
	ExTimeout time.Duration
	// Staged makes program merges wait for IncrementEpoch.
	Staged bool
}

// Options configure a Manager. Loader is required.
type Options struct {
	Loader sandbox.Loader
	// Stores creates each session's store. Defaults to store.MemoryFactory.
	Stores store.Factory
	Graph  graph.Backend

	// IdleTimeout is how long a session may go unused before the sweeper
	// closes it. Negative disables eviction.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	DefaultExTimeout time.Duration
	// MaxSessions caps live sessions; zero means no cap.
	MaxSessions int
	// OpenRate limits session opens per second; zero means unlimited.
	OpenRate  rate.Limit
	OpenBurst int

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager owns the live sessions.
type Manager struct {
	opts    Options
	limiter *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a Manager with defaults filled in.
func NewManager(opts Options) *Manager {
	if opts.Stores == nil {
		opts.Stores = store.MemoryFactory
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := opts.OpenRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.OpenBurst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		sessions: make(map[string]*Session),
	}
}

// Open loads the program and registers a new session, returning its token.
func (m *Manager) Open(ctx context.Context, p OpenParams) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	if len(p.Program) == 0 {
		return "", fmt.Errorf("%w: empty program", ErrInvalidProgram)
	}
	if m.full() {
		return "", fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.opts.MaxSessions)
	}
	inst, err := m.opts.Loader.Load(ctx, p.Program)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}

	now := m.opts.Now()
	token := uuid.NewString()
	exTimeout := p.ExTimeout
	if exTimeout == 0 {
		exTimeout = m.opts.DefaultExTimeout
	}
	s := &Session{
		Token:     token,
		SpaceName: p.SpaceName,
		IOTimeout: p.IOTimeout,
		ExTimeout: exTimeout,
		Staged:    p.Staged,
		CreatedAt: now,
		store:     m.opts.Stores(token),
		instance:  inst,
		graph:     m.opts.Graph,
		metrics:   m.opts.Metrics,
		lock:      make(chan struct{}, 1),
	}
	s.lastActive.Store(now.UnixNano())

	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		inst.Close()
		return "", fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.opts.MaxSessions)
	}
	m.sessions[token] = s
	m.mu.Unlock()

	m.opts.Metrics.sessionOpened()
	m.opts.Logger.Debug("session opened", "token", token, "space", p.SpaceName, "staged", p.Staged)
	return token, nil
}

func (m *Manager) full() bool {
	if m.opts.MaxSessions <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) >= m.opts.MaxSessions
}

// Lookup returns the live session for token without locking it.
func (m *Manager) Lookup(token string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, token)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Acquire locks the session for token, waiting for any operation already
// holding it. The returned release function unlocks it and may be called
// more than once.
func (m *Manager) Acquire(ctx context.Context, token string) (*Session, func(), error) {
	s, err := m.Lookup(token)
	if err != nil {
		return nil, nil, err
	}
	if err := m.lockSession(ctx, s); err != nil {
		return nil, nil, err
	}
	if s.closed {
		<-s.lock
		return nil, nil, fmt.Errorf("%w: %q", ErrSessionNotFound, token)
	}
	m.touch(s)
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.touch(s)
			<-s.lock
		})
	}
	return s, release, nil
}

func (m *Manager) lockSession(ctx context.Context, s *Session) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Touch records activity on token without locking the session.
func (m *Manager) Touch(token string) error {
	s, err := m.Lookup(token)
	if err != nil {
		return err
	}
	m.touch(s)
	return nil
}

func (m *Manager) touch(s *Session) {
	s.lastActive.Store(m.opts.Now().UnixNano())
}

// Close ends the session for token. Closing an unknown or already closed
// session fails with ErrSessionNotFound.
func (m *Manager) Close(ctx context.Context, token string) error {
	s, release, err := m.Acquire(ctx, token)
	if err != nil {
		return err
	}
	defer release()
	m.closeLocked(ctx, s, ReasonClient)
	return nil
}

// closeLocked retires s. The caller holds the session lock.
func (m *Manager) closeLocked(ctx context.Context, s *Session, reason string) {
	s.closed = true
	m.mu.Lock()
	delete(m.sessions, s.Token)
	m.mu.Unlock()

	s.instance.Close()
	if err := s.store.Drop(ctx); err != nil {
		m.opts.Logger.Warn("dropping session store", "token", s.Token, "err", err)
	}
	m.opts.Metrics.sessionClosed(reason)
	m.opts.Logger.Debug("session closed", "token", s.Token, "reason", reason)
}

// IncrementEpoch commits the merges a staged session's program made since
// the last commit and returns the new epoch.
func (m *Manager) IncrementEpoch(ctx context.Context, token string) (uint64, error) {
	s, release, err := m.Acquire(ctx, token)
	if err != nil {
		return 0, err
	}
	defer release()
	return s.store.Commit(ctx)
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many it closed. It waits for each candidate's lock and re-checks its
// activity once it holds it, so a session in use is never evicted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.opts.IdleTimeout < 0 {
		return 0, nil
	}
	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if m.idle(s) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		if err := m.lockSession(ctx, s); err != nil {
			return evicted, err
		}
		if !s.closed && m.idle(s) {
			m.closeLocked(ctx, s, ReasonIdle)
			evicted++
		}
		<-s.lock
	}
	return evicted, nil
}

func (m *Manager) idle(s *Session) bool {
	return m.opts.Now().Sub(s.LastActive()) > m.opts.IdleTimeout
}

// Run sweeps idle sessions every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.opts.Logger.Error("sweeping idle sessions", "err", err)
			}
			if n > 0 {
				m.opts.Logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

// Shutdown closes every live session, waiting for in-flight operations to
// release them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		if err := m.lockSession(ctx, s); err != nil {
			return err
		}
		if !s.closed {
			m.closeLocked(ctx, s, ReasonShutdown)
		}
		<-s.lock
	}
	return nil
}
