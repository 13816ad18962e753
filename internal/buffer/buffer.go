// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package buffer supervises an external transcoder that writes HLS-style
// MPEG-TS segments into a directory, and exposes ordered reads, pre-roll
// slicing, and overflow reclamation over that directory.
//
// Supervision follows the teacher's own shape for driving ffmpeg
// (exec.CommandContext, stderr piped through a line scanner, the process
// lifecycle bound to a context.Context cancelled by an errgroup.Group) -
// see cmdFFMPEG/processMetadata in the teacher's main.go.
package buffer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// segmentRE matches the zero-padded clip naming contract, ^clip_(\d+)\.ts$.
var segmentRE = regexp.MustCompile(`^clip_(\d+)\.ts$`)

const (
	m3u8Name = "stream.m3u8"

	warmup      = 2 * time.Second
	stopGrace   = 5 * time.Second
	defaultMargin = 5
)

// Segment is one enumerated clip file.
type Segment struct {
	Path  string
	Index uint32
	Mtime time.Time
}

// Config carries everything the Buffer needs to supervise its transcoder and
// enumerate its own directory.
type Config struct {
	// RTSPURL is passed straight through to the transcoder command line; the
	// core never interprets it.
	RTSPURL string
	// BufferDir is the directory the transcoder writes clip_%04d.ts and
	// stream.m3u8 into. Must already exist.
	BufferDir string
	// SegmentDuration is the nominal length of one segment.
	SegmentDuration time.Duration
	// MaxSegments is the steady-state cap on segment count.
	MaxSegments int
	// OverflowMargin is the transient overshoot tolerated before reclamation
	// kicks in. Zero means the package default of 5.
	OverflowMargin int
}

func (c Config) margin() int {
	if c.OverflowMargin <= 0 {
		return defaultMargin
	}
	return c.OverflowMargin
}

// Buffer supervises the transcoder subprocess and the directory it writes
// into. The zero value is not usable; construct with New.
type Buffer struct {
	cfg Config

	mu             sync.Mutex
	cmd            *exec.Cmd
	running        bool
	overflowWarned bool

	cancel context.CancelFunc
	eg     *errgroup.Group
	done   chan struct{}
}

// New builds a Buffer for cfg. The transcoder is not started yet.
func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg}
}

// transcoderArgs builds the contract-only transcoder invocation: HLS
// segments of cfg.SegmentDuration, a rolling window of cfg.MaxSegments, tcp
// transport, stream-copy codecs. The core does not assume a specific tool
// beyond "ffmpeg-compatible CLI", matching spec.md §6.
func (c Config) transcoderArgs() []string {
	segSeconds := strconv.FormatFloat(c.SegmentDuration.Seconds(), 'f', -1, 64)
	return []string{
		"ffmpeg",
		"-hide_banner",
		"-rtsp_transport", "tcp",
		"-i", c.RTSPURL,
		"-c", "copy",
		"-f", "hls",
		"-hls_time", segSeconds,
		"-hls_list_size", strconv.Itoa(c.MaxSegments),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(c.BufferDir, "clip_%04d.ts"),
		filepath.Join(c.BufferDir, m3u8Name),
	}
}

// clearStale removes clip_*.ts and stream.m3u8 left over from a prior run.
// Only those two patterns are touched - no recursion, no other files.
func (b *Buffer) clearStale() error {
	entries, err := os.ReadDir(b.cfg.BufferDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == m3u8Name || segmentRE.MatchString(name) {
			if err := os.Remove(filepath.Join(b.cfg.BufferDir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// Start clears stale segment files, launches the transcoder, and reports
// whether it is still alive after a 2s warm-up.
func (b *Buffer) Start(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	if err := b.clearStale(); err != nil {
		return false, fmt.Errorf("clearing stale segments: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	args := b.cfg.transcoderArgs()
	// #nosec G204 - args are built from Config, not arbitrary user input.
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return false, err
	}
	slog.Debug("buffer starting", "cmd", args)
	if err := cmd.Start(); err != nil {
		cancel()
		return false, fmt.Errorf("launching transcoder: %w", err)
	}

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return monitorStderr(stderr)
	})
	eg.Go(func() error {
		err := cmd.Wait()
		if egCtx.Err() != nil {
			return nil
		}
		return err
	})

	b.mu.Lock()
	b.cmd = cmd
	b.running = true
	b.cancel = cancel
	b.eg = eg
	b.done = make(chan struct{})
	b.mu.Unlock()

	go func() {
		_ = eg.Wait()
		b.mu.Lock()
		b.running = false
		close(b.done)
		b.mu.Unlock()
	}()

	time.Sleep(warmup)
	return b.IsRunning(), nil
}

// monitorStderr reads the transcoder's stderr line by line, surfacing any
// line containing a case-insensitive "error" substring. It returns nil on
// EOF; a monitor never fails the supervising errgroup on its own - a noisy
// transcoder is not, by itself, a supervision failure.
func monitorStderr(r io.Reader) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			slog.Warn("transcoder stderr", "line", line)
		}
	}
	return nil
}

// Stop terminates the transcoder gracefully: SIGTERM, a 5s grace period,
// then SIGKILL. Idempotent - a second call after the first is a no-op.
func (b *Buffer) Stop() {
	b.mu.Lock()
	cmd := b.cmd
	cancel := b.cancel
	done := b.done
	running := b.running
	b.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		if done != nil {
			<-done
		}
	}
	if cancel != nil {
		cancel()
	}
}

// IsRunning reports whether the transcoder subprocess is currently alive.
// The internal running flag (flipped by the errgroup goroutine once
// cmd.Wait returns) is authoritative for exit, but a transcoder can also
// wedge into a zombie/defunct state the OS still schedules a PID for; a
// gopsutil cross-check (following the pack's own process-liveness idiom in
// LanternOps-breeze/agent/internal/mgmtdetect/process_snapshot.go) catches
// that case without needing platform-specific syscalls.
func (b *Buffer) IsRunning() bool {
	b.mu.Lock()
	running := b.running
	cmd := b.cmd
	b.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return false
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return running
	}
	for _, s := range status {
		if s == "zombie" || s == "Z" {
			return false
		}
	}
	return true
}

// GetClips returns every clip_*.ts segment in BufferDir, ordered by
// ascending index, after applying the overflow reclamation policy.
func (b *Buffer) GetClips() []Segment {
	segs := b.listSegments()
	segs = b.reclaimOverflow(segs)
	return segs
}

func (b *Buffer) listSegments() []Segment {
	entries, err := os.ReadDir(b.cfg.BufferDir)
	if err != nil {
		return nil
	}
	var segs []Segment
	for _, e := range entries {
		m := segmentRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, Segment{
			Path:  filepath.Join(b.cfg.BufferDir, e.Name()),
			Index: uint32(idx),
			Mtime: info.ModTime(),
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
	return segs
}

// reclaimOverflow removes the oldest segments once the count exceeds
// max_segments + overflow_margin, restoring the count to max_segments. The
// overflow warning is one-shot edge-triggered: it fires on the first
// crossing and is only cleared once the count returns to <= max_segments
// (intentionally not the overflow-margin threshold - see DESIGN.md).
func (b *Buffer) reclaimOverflow(segs []Segment) []Segment {
	if b.cfg.MaxSegments <= 0 {
		return segs
	}
	b.mu.Lock()
	warned := b.overflowWarned
	b.mu.Unlock()

	count := len(segs)
	threshold := b.cfg.MaxSegments + b.cfg.margin()
	if count > threshold {
		if !warned {
			slog.Warn("buffer overflow", "count", count, "max_segments", b.cfg.MaxSegments, "threshold", threshold)
			b.mu.Lock()
			b.overflowWarned = true
			b.mu.Unlock()
		}
		toRemove := count - b.cfg.MaxSegments
		for _, s := range segs[:toRemove] {
			if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
				slog.Warn("buffer reclaim", "path", s.Path, "err", err)
			}
		}
		segs = segs[toRemove:]
	}
	if len(segs) <= b.cfg.MaxSegments && warned {
		b.mu.Lock()
		b.overflowWarned = false
		b.mu.Unlock()
	}
	return segs
}

// GetPrerollClips returns the tail slice of GetClips() covering the
// requested look-back duration: ceil(seconds/segment_duration)+1 clips,
// capped at the list length.
func (b *Buffer) GetPrerollClips(seconds float64) []Segment {
	segs := b.GetClips()
	if len(segs) == 0 || seconds < 0 {
		return nil
	}
	segDur := b.cfg.SegmentDuration.Seconds()
	if segDur <= 0 {
		segDur = 1
	}
	n := int(math.Ceil(seconds/segDur)) + 1
	if n > len(segs) {
		n = len(segs)
	}
	if n <= 0 {
		return nil
	}
	return segs[len(segs)-n:]
}

// GetLatestClip returns the newest segment, if any.
func (b *Buffer) GetLatestClip() (Segment, bool) {
	segs := b.GetClips()
	if len(segs) == 0 {
		return Segment{}, false
	}
	return segs[len(segs)-1], true
}
