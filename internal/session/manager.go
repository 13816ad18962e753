// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package session

import (
	"sync"
	"time"
)

// Hooks is implemented by the recorder fan-out to receive session lifecycle
// notifications. Per the design notes, this replaces dynamic callback
// pointers with a small interface; the Manager never holds a reference back
// to whatever implements Hooks beyond the call itself.
type Hooks interface {
	// OnSessionStart fires the moment a new session is created, still
	// holding the Manager's lock is not guaranteed - the session is passed
	// by pointer but callers must treat it as a read-only snapshot.
	OnSessionStart(s *Session)
	// OnSessionFinalize fires once cooldown has expired for s, just before
	// it is moved to the completed list.
	OnSessionFinalize(s *Session)
}

// Config carries the one timing knob the Manager needs.
type Config struct {
	CooldownSeconds time.Duration
}

// Manager coordinates many sessions, implementing the overlap policy: motion
// while any session is active extends every active session; motion with no
// active session starts a new one.
type Manager struct {
	cfg   Config
	hooks Hooks

	mu        sync.Mutex
	active    map[string]*Session
	completed []*Session
}

// NewManager builds a Manager. hooks may be nil for tests that don't care
// about notifications.
func NewManager(cfg Config, hooks Hooks) *Manager {
	return &Manager{
		cfg:    cfg,
		hooks:  hooks,
		active: make(map[string]*Session),
	}
}

// OnMotionDetected handles a motion event: extends every active session, or
// starts a new one if none is active.
func (m *Manager) OnMotionDetected(now time.Time) {
	m.mu.Lock()
	if len(m.active) == 0 {
		s := newSession(now)
		m.active[s.ID] = s
		hooks := m.hooks
		m.mu.Unlock()
		if hooks != nil {
			hooks.OnSessionStart(s)
		}
		return
	}
	for _, s := range m.active {
		s.ExtendRecording(now)
	}
	m.mu.Unlock()
}

// OnNoMotion transitions every RECORDING session to COOLDOWN. Sessions
// already in COOLDOWN keep their existing cooldown clock.
func (m *Manager) OnNoMotion(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		if s.State == Recording {
			s.EnterCooldown(now)
		}
	}
}

// Tick finalizes every active session whose cooldown has expired as of now.
// Callers must invoke this at least once per cooldown period; faster is
// harmless.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.active {
		if s.ShouldFinalize(now, m.cfg.CooldownSeconds) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		s.EnterFinalizing()
		delete(m.active, s.ID)
	}
	hooks := m.hooks
	m.mu.Unlock()

	for _, s := range expired {
		if hooks != nil {
			hooks.OnSessionFinalize(s)
		}
		s.Complete()
		m.mu.Lock()
		m.completed = append(m.completed, s)
		m.mu.Unlock()
	}
}

// ActiveCount returns the number of sessions not yet completed.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveSessions returns a snapshot of the currently active sessions. The
// returned slice is safe to range over without holding the Manager's lock;
// concurrent mutation of the Manager may not be reflected.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

// RecordingSessions returns the subset of active sessions currently in the
// RECORDING state.
func (m *Manager) RecordingSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.active {
		if s.IsRecording() {
			out = append(out, s)
		}
	}
	return out
}

// CooldownSessions returns the subset of active sessions currently in the
// COOLDOWN state.
func (m *Manager) CooldownSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.active {
		if s.IsCooldown() {
			out = append(out, s)
		}
	}
	return out
}

// CompletedSessions returns every session that has finished, in finalization
// order.
func (m *Manager) CompletedSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.completed))
	copy(out, m.completed)
	return out
}

// AddClipToActive records name against every currently active session.
func (m *Manager) AddClipToActive(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		s.AddClip(name)
	}
}

// FinalizeAll force-finalizes every active session regardless of cooldown
// expiry. Used during shutdown so no session is left dangling.
func (m *Manager) FinalizeAll(now time.Time) {
	m.mu.Lock()
	var all []*Session
	for _, s := range m.active {
		all = append(all, s)
	}
	for _, s := range all {
		delete(m.active, s.ID)
	}
	hooks := m.hooks
	m.mu.Unlock()

	for _, s := range all {
		// Force the transition regardless of current state (RECORDING or
		// COOLDOWN): shutdown must not leave a session behind uncounted.
		s.State = Finalizing
		if hooks != nil {
			hooks.OnSessionFinalize(s)
		}
		s.Complete()
		m.mu.Lock()
		m.completed = append(m.completed, s)
		m.mu.Unlock()
	}
}
