// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package recorder implements the Recorder Fan-Out (spec.md §4.5): per
// session it materializes a working directory of clip copies seeded with
// pre-roll, receives newly closed buffer segments via the platform package's
// dual-sourced watcher, and on finalize concatenates the session's clips
// into one evidence container.
//
// Grounded on original_source/src/recorder.py's SessionRecorder/
// RecorderManager, reshaped into the teacher's mutex-guarded, errgroup-
// supervised idiom.
package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/campilot/pilot/internal/platform"
)

// DefaultConcatenatorTimeout is the hard wall-clock limit on one
// concatenation invocation, per spec.md §5.
const DefaultConcatenatorTimeout = 60 * time.Second

// SessionRecorder owns one session's working directory of clip copies. It
// is created on session start and torn down after a successful finalize;
// on failure the working directory is preserved for post-mortem inspection.
type SessionRecorder struct {
	SessionID   string
	SessionDir  string
	EvidenceDir string
	StartTime   time.Time

	mu        sync.Mutex
	clips     []string
	seenNames map[string]bool
}

// newSessionRecorder creates the session's working directory under
// sessionsDir.
func newSessionRecorder(sessionsDir, evidenceDir, id string, start time.Time) (*SessionRecorder, error) {
	dir := filepath.Join(sessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &SessionRecorder{
		SessionID:   id,
		SessionDir:  dir,
		EvidenceDir: evidenceDir,
		StartTime:   start,
		seenNames:   make(map[string]bool),
	}, nil
}

// AddClip copies srcPath into the session directory, deduplicating by
// filename so a duplicate notification is a no-op. The dedup check and the
// list append happen atomically under the recorder's own lock, per
// spec.md §5's per-session-lock requirement.
func (r *SessionRecorder) AddClip(srcPath string) error {
	name := filepath.Base(srcPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seenNames[name] {
		return nil
	}
	dst := filepath.Join(r.SessionDir, name)
	if err := copyPreservingMtime(srcPath, dst); err != nil {
		return fmt.Errorf("copying clip %s: %w", name, err)
	}
	r.seenNames[name] = true
	r.clips = append(r.clips, dst)
	return nil
}

// ClipCount reports how many distinct clips this recorder holds.
func (r *SessionRecorder) ClipCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clips)
}

// Finalize sorts the session's clips lexicographically (equivalent to
// temporal order, since clip names are zero-padded), writes a concat-list
// manifest, and drives an external concatenator in stream-copy mode with a
// hard timeout. On success it returns the output path and removes the
// working directory through the platform safety rail; on failure it logs
// and leaves the working directory intact.
func (r *SessionRecorder) Finalize(timeout time.Duration) (string, bool) {
	r.mu.Lock()
	clips := append([]string(nil), r.clips...)
	r.mu.Unlock()

	if len(clips) == 0 {
		slog.Info("finalize: no clips to concatenate", "session", r.SessionID)
		return "", false
	}
	sort.Strings(clips)

	concatPath := filepath.Join(r.SessionDir, "concat.txt")
	if err := writeConcatManifest(concatPath, clips); err != nil {
		slog.Error("finalize: writing concat manifest", "session", r.SessionID, "err", err)
		return "", false
	}

	if err := os.MkdirAll(r.EvidenceDir, 0o755); err != nil {
		slog.Error("finalize: preparing evidence directory", "session", r.SessionID, "err", err)
		return "", false
	}
	out := filepath.Join(r.EvidenceDir, outputName(r.StartTime, r.SessionID))

	if timeout <= 0 {
		timeout = DefaultConcatenatorTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// #nosec G204 - concatPath and out are built from config-derived paths.
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-y",
		"-f", "concat", "-safe", "0", "-i", concatPath, "-c", "copy", out)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		slog.Error("finalize: concatenation failed", "session", r.SessionID, "err", err)
		return "", false
	}

	removeWorkingDir(r.SessionDir)
	return out, true
}

// removeWorkingDir routes through the platform safety rail before deleting
// a session's working directory - per spec.md §4.5 this is the only place
// the fan-out deletes anything.
func removeWorkingDir(dir string) {
	if !platform.SafeRemoveAll(dir) {
		slog.Warn("finalize: left working directory in place", "dir", dir)
	}
}

func outputName(start time.Time, sessionID string) string {
	return fmt.Sprintf("event_%s_%s.mp4", start.Format("20060102_150405"), sessionID)
}

func writeConcatManifest(path string, clips []string) error {
	var sb strings.Builder
	for _, c := range clips {
		abs, err := filepath.Abs(c)
		if err != nil {
			abs = c
		}
		sb.WriteString(fmt.Sprintf("file '%s'\n", abs))
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func copyPreservingMtime(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
