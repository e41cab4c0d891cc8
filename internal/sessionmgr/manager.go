// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionmgr implements the Session Manager (C7): the directory
// of live Kernel Sessions keyed by session id, their creation and
// teardown, and the background reaper that closes idle sessions.
package sessionmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/collab"
	"github.com/nodebooks/kernel/internal/kernelsession"
	"github.com/nodebooks/kernel/internal/pool"
)

// DefaultIdleWindow is the duration a session may sit with no
// subscribers and no in-flight job before the reaper closes it.
const DefaultIdleWindow = 30 * time.Second

// Config bounds the Manager's reaper cadence and idle policy.
type Config struct {
	IdleWindow   time.Duration
	ReapInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{IdleWindow: DefaultIdleWindow, ReapInterval: 5 * time.Second}
}

// Manager owns the directory of live Kernel Sessions. It exclusively
// owns KernelSessions by id, per the ownership chain documented in
// spec.md §4.7/§5: Manager -> KernelSession -> Reservation -> Worker.
type Manager struct {
	pool       *pool.Pool
	notebooks  collab.NotebookStore
	transpiler collab.Transpiler
	cfg        Config

	mu       sync.Mutex
	sessions map[string]*kernelsession.Session
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager and starts its background reaper.
func New(p *pool.Pool, notebooks collab.NotebookStore, transpiler collab.Transpiler, cfg Config) *Manager {
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	m := &Manager{
		pool:       p,
		notebooks:  notebooks,
		transpiler: transpiler,
		cfg:        cfg,
		sessions:   make(map[string]*kernelsession.Session),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Get returns the existing session for sessionID, or creates one bound
// to notebookID if this is the first time sessionID is seen. The
// notebookID is only consulted on creation; an existing session keeps
// whatever notebook it was originally created against.
func (m *Manager) Get(ctx context.Context, sessionID, notebookID string) (*kernelsession.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("sessionmgr: manager is shut down")
	}
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	env, err := m.notebooks.Env(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: resolve notebook %s: %w", notebookID, err)
	}

	s := kernelsession.New(sessionID, notebookID, m.pool, env, m.transpiler)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		// Lost a creation race; close the loser's reservation-free session
		// (it never attached a subscriber) and hand back the winner.
		s.Close("superseded by a concurrent Get")
		return existing, nil
	}
	m.sessions[sessionID] = s
	return s, nil
}

// GetOrCreate implements wsbridge.SessionLookup. It resolves a
// single-argument sessionId to a notebookId using the convention that a
// session not yet known is its own notebook id, matching the demo
// host's routing; a production deployment should prefer Get with an
// explicit notebookId from its own session-to-notebook mapping.
func (m *Manager) GetOrCreate(sessionID string) (*kernelsession.Session, error) {
	return m.Get(context.Background(), sessionID, sessionID)
}

// List enumerates current sessions, optionally filtered to one
// notebook id.
func (m *Manager) List(notebookID string) []*kernelsession.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*kernelsession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if notebookID != "" && s.NotebookID != notebookID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Close closes and forgets sessionID, if known.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.Close("closed by session manager")
	}
}

// Shutdown stops the reaper and closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*kernelsession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*kernelsession.Session)
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	for _, s := range sessions {
		s.Close("host shutting down")
	}
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()

	m.mu.Lock()
	var toClose []*kernelsession.Session
	for id, s := range m.sessions {
		if s.Status() == kernelsession.StatusClosed {
			toClose = append(toClose, s)
			delete(m.sessions, id)
			continue
		}
		if s.IsIdle() && now.Sub(s.IdleSince()) >= m.cfg.IdleWindow {
			toClose = append(toClose, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range toClose {
		s.Close("idle timeout")
	}
}
