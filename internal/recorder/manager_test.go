// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/campilot/pilot/internal/buffer"
	"github.com/campilot/pilot/internal/session"
)

type fakeBuffer struct {
	segs []buffer.Segment
}

func (f *fakeBuffer) GetPrerollClips(seconds float64) []buffer.Segment {
	return f.segs
}

func newTestManager(t *testing.T, segs []buffer.Segment) (*Manager, string) {
	t.Helper()
	sessionsDir := t.TempDir()
	evidenceDir := t.TempDir()
	m := NewManager(Config{
		SessionsDir:    sessionsDir,
		EvidenceDir:    evidenceDir,
		PreRollSeconds: 3,
	}, &fakeBuffer{segs: segs})
	return m, sessionsDir
}

func writeClip(t *testing.T, dir, name, content string) buffer.Segment {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return buffer.Segment{Path: path}
}

func TestOnSessionStartSeedsPreroll(t *testing.T) {
	bufDir := t.TempDir()
	segs := []buffer.Segment{
		writeClip(t, bufDir, "clip_0001.ts", "a"),
		writeClip(t, bufDir, "clip_0002.ts", "b"),
	}
	m, _ := newTestManager(t, segs)
	s := &session.Session{ID: "abcd1234", StartTime: time.Now()}

	m.OnSessionStart(s)
	if m.ActiveSessionCount() != 1 {
		t.Fatalf("want 1 active session, got %d", m.ActiveSessionCount())
	}
	rec := m.recorders[s.ID]
	if rec.ClipCount() != 2 {
		t.Fatalf("want 2 preroll clips seeded, got %d", rec.ClipCount())
	}
}

func TestOnSessionFinalizeWithNoRecorderIsNoop(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s := &session.Session{ID: "doesnotexist", StartTime: time.Now()}
	m.OnSessionFinalize(s) // must not panic
	if m.ActiveSessionCount() != 0 {
		t.Fatal("finalize of an unknown session must not create state")
	}
}

func TestOnSessionFinalizeRemovesFromActiveSet(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s := &session.Session{ID: "abcd1234", StartTime: time.Now()}
	m.OnSessionStart(s)
	if m.ActiveSessionCount() != 1 {
		t.Fatal("expected session to be active after start")
	}
	// No clips were ever added, so Finalize fails internally and leaves the
	// working dir, but the fan-out must still drop its own bookkeeping.
	m.OnSessionFinalize(s)
	if m.ActiveSessionCount() != 0 {
		t.Fatal("finalize must remove the session from the active set regardless of concat outcome")
	}
}

// Idempotence property (spec.md §8): delivering the same clip notification
// twice to the fan-out is observably equivalent to delivering it once.
func TestOnNewClipDedupesByFilename(t *testing.T) {
	bufDir := t.TempDir()
	m, _ := newTestManager(t, nil)
	s := &session.Session{ID: "abcd1234", StartTime: time.Now()}
	m.OnSessionStart(s)

	clip := writeClip(t, bufDir, "clip_0001.ts", "a")
	m.onNewClip(clip.Path)
	m.onNewClip(clip.Path)

	rec := m.recorders[s.ID]
	if rec.ClipCount() != 1 {
		t.Fatalf("duplicate fan-out notification must not double-append, got %d", rec.ClipCount())
	}
}

func TestOnNewClipDistributesToEveryActiveSession(t *testing.T) {
	bufDir := t.TempDir()
	m, _ := newTestManager(t, nil)
	a := &session.Session{ID: "sessiona", StartTime: time.Now()}
	b := &session.Session{ID: "sessionb", StartTime: time.Now()}
	m.OnSessionStart(a)
	m.OnSessionStart(b)

	clip := writeClip(t, bufDir, "clip_0005.ts", "a")
	m.onNewClip(clip.Path)

	if m.recorders[a.ID].ClipCount() != 1 || m.recorders[b.ID].ClipCount() != 1 {
		t.Fatal("a newly closed clip must reach every currently active session")
	}
}

func TestOnNewClipIgnoresSessionsStartedAfterDistribution(t *testing.T) {
	bufDir := t.TempDir()
	m, _ := newTestManager(t, nil)
	a := &session.Session{ID: "sessiona", StartTime: time.Now()}
	m.OnSessionStart(a)

	clip := writeClip(t, bufDir, "clip_0005.ts", "a")
	m.onNewClip(clip.Path)

	b := &session.Session{ID: "sessionb", StartTime: time.Now()}
	m.OnSessionStart(b)
	if m.recorders[b.ID].ClipCount() != 0 {
		t.Fatal("a session starting after a clip's notification legitimately misses that clip")
	}
}
