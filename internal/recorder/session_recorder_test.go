// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSourceClip(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddClipCopiesIntoSessionDir(t *testing.T) {
	srcDir := t.TempDir()
	rec, err := newSessionRecorder(t.TempDir(), t.TempDir(), "abcd1234", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	src := writeSourceClip(t, srcDir, "clip_0001.ts", "hello")
	if err := rec.AddClip(src); err != nil {
		t.Fatal(err)
	}
	if rec.ClipCount() != 1 {
		t.Fatalf("want 1 clip, got %d", rec.ClipCount())
	}
	got, err := os.ReadFile(filepath.Join(rec.SessionDir, "clip_0001.ts"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("copied content mismatch: %v %q", err, got)
	}
}

// Idempotence property (spec.md §8): delivering the same clip twice must
// be observably equivalent to delivering it once.
func TestAddClipIsIdempotentByName(t *testing.T) {
	srcDir := t.TempDir()
	rec, err := newSessionRecorder(t.TempDir(), t.TempDir(), "abcd1234", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	src := writeSourceClip(t, srcDir, "clip_0001.ts", "hello")
	if err := rec.AddClip(src); err != nil {
		t.Fatal(err)
	}
	if err := rec.AddClip(src); err != nil {
		t.Fatal(err)
	}
	if rec.ClipCount() != 1 {
		t.Fatalf("duplicate notification must not double-append, got %d", rec.ClipCount())
	}
}

func TestAddClipPreservesMtime(t *testing.T) {
	srcDir := t.TempDir()
	rec, err := newSessionRecorder(t.TempDir(), t.TempDir(), "abcd1234", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	src := writeSourceClip(t, srcDir, "clip_0001.ts", "hello")
	wantTime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, wantTime, wantTime); err != nil {
		t.Fatal(err)
	}
	if err := rec.AddClip(src); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(rec.SessionDir, "clip_0001.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(wantTime) {
		t.Fatalf("want mtime %v, got %v", wantTime, info.ModTime())
	}
}

func TestFinalizeWithNoClipsReturnsFalseAndLogsNothingDestructive(t *testing.T) {
	rec, err := newSessionRecorder(t.TempDir(), t.TempDir(), "abcd1234", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	out, ok := rec.Finalize(time.Second)
	if ok || out != "" {
		t.Fatalf("want failure for zero clips, got %q %v", out, ok)
	}
	if _, err := os.Stat(rec.SessionDir); err != nil {
		t.Fatal("working directory must be preserved when finalize does not proceed")
	}
}

func TestOutputNameFormat(t *testing.T) {
	start := time.Date(2026, 7, 29, 13, 4, 5, 0, time.UTC)
	name := outputName(start, "abcd1234")
	if name != "event_20260729_130405_abcd1234.mp4" {
		t.Fatalf("unexpected output name: %s", name)
	}
}

func TestWriteConcatManifestFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "concat.txt")
	clips := []string{filepath.Join(dir, "clip_0001.ts"), filepath.Join(dir, "clip_0002.ts")}
	if err := writeConcatManifest(path, clips); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 manifest lines, got %d", len(lines))
	}
	for i, c := range clips {
		want := "file '" + c + "'"
		if lines[i] != want {
			t.Fatalf("line %d: want %q, got %q", i, want, lines[i])
		}
	}
}
