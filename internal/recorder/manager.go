// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package recorder

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/campilot/pilot/internal/buffer"
	"github.com/campilot/pilot/internal/platform"
	"github.com/campilot/pilot/internal/session"
)

// PrerollSource is the subset of *buffer.Buffer the fan-out needs. Modeled
// as an interface so tests can substitute a fake buffer.
type PrerollSource interface {
	GetPrerollClips(seconds float64) []buffer.Segment
}

// Config carries the fan-out's directory layout and timing knobs.
type Config struct {
	BufferDir           string
	SessionsDir         string
	EvidenceDir         string
	PreRollSeconds      float64
	ConcatenatorTimeout time.Duration
}

// Manager is the Recorder Fan-Out (spec.md §4.5). It implements
// session.Hooks and owns the dual-sourced buffer watcher described in
// spec.md §9: two producers (fsnotify + poller) feeding one deduplicating
// sink, which is this Manager's own seen-set.
type Manager struct {
	cfg Config
	buf PrerollSource

	mu        sync.Mutex
	recorders map[string]*SessionRecorder
	seen      map[string]bool

	watcher *platform.Watcher
}

// NewManager builds a fan-out Manager. buf supplies pre-roll clips at
// session start.
func NewManager(cfg Config, buf PrerollSource) *Manager {
	return &Manager{
		cfg:       cfg,
		buf:       buf,
		recorders: make(map[string]*SessionRecorder),
		seen:      make(map[string]bool),
	}
}

// RunWatcher starts the dual-sourced buffer watcher and blocks until ctx is
// cancelled. Intended to be run as one of the root errgroup's workers.
func (m *Manager) RunWatcher(ctx context.Context) error {
	m.watcher = &platform.Watcher{
		Dir:     m.cfg.BufferDir,
		OnEvent: m.onNewClip,
	}
	return m.watcher.Run(ctx)
}

// OnSessionStart implements session.Hooks: it opens the session's working
// directory seeded with whatever pre-roll the buffer can currently supply.
func (m *Manager) OnSessionStart(s *session.Session) {
	rec, err := newSessionRecorder(m.cfg.SessionsDir, m.cfg.EvidenceDir, s.ID, s.StartTime)
	if err != nil {
		slog.Error("session start: cannot create working directory", "session", s.ID, "err", err)
		return
	}
	for _, seg := range m.buf.GetPrerollClips(m.cfg.PreRollSeconds) {
		if err := rec.AddClip(seg.Path); err != nil {
			slog.Warn("session start: pre-roll copy failed", "session", s.ID, "clip", seg.Path, "err", err)
		}
	}
	m.mu.Lock()
	m.recorders[s.ID] = rec
	m.mu.Unlock()
	slog.Info("session started", "session", s.ID, "preroll_clips", rec.ClipCount())
}

// OnSessionFinalize implements session.Hooks: it drives the concatenator
// for the session and logs the outcome. One failed finalize never affects
// any other session.
func (m *Manager) OnSessionFinalize(s *session.Session) {
	m.mu.Lock()
	rec := m.recorders[s.ID]
	delete(m.recorders, s.ID)
	m.mu.Unlock()
	if rec == nil {
		slog.Warn("session finalize: no recorder registered", "session", s.ID)
		return
	}
	out, ok := rec.Finalize(m.cfg.ConcatenatorTimeout)
	if !ok {
		slog.Warn("session finalize failed", "session", s.ID)
		return
	}
	slog.Info("session finalized", "session", s.ID, "output", out)
}

// onNewClip is the deduplicating sink both watcher producers feed. It
// checks the seen-set by filename, skipping duplicates, then copies the
// segment into every currently active session's directory. The active set
// is a snapshot at distribute time, matching spec.md §5's best-effort
// cross-session distribution guarantee.
func (m *Manager) onNewClip(path string) {
	name := filepath.Base(path)

	m.mu.Lock()
	if m.seen[name] {
		m.mu.Unlock()
		return
	}
	m.seen[name] = true
	recs := make([]*SessionRecorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		recs = append(recs, r)
	}
	m.mu.Unlock()

	for _, r := range recs {
		if err := r.AddClip(path); err != nil {
			slog.Warn("fan-out: clip copy failed", "session", r.SessionID, "clip", path, "err", err)
		}
	}
}

// ActiveSessionCount reports how many sessions currently have an open
// working directory.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recorders)
}
