// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package platform

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// segmentPattern is the default file pattern watched: the segment naming
// contract from spec.md §6.
var segmentPattern = regexp.MustCompile(`^clip_(\d+)\.ts$`)

const (
	pollInterval     = time.Second
	stabilityPause   = 100 * time.Millisecond
)

// Watcher is the dual-sourced producer described in spec.md §4.5/§9: a
// native fsnotify source (primary) and a polling scan (fallback), both
// feeding the same OnEvent callback. Deduplication is deliberately NOT done
// here - per the design notes the sink (the recorder fan-out's seen-set)
// owns that; this type only guarantees it won't spin forever re-emitting a
// file its own poller has already surfaced once.
type Watcher struct {
	Dir     string
	Pattern *regexp.Regexp
	// OnEvent is called once a segment file is observed as ready. May be
	// called concurrently from both sources; must be safe for that.
	OnEvent func(path string)

	mu         sync.Mutex
	pollerSeen map[string]bool
}

// pattern returns w.Pattern, defaulting to the clip_NNNN.ts contract.
func (w *Watcher) pattern() *regexp.Regexp {
	if w.Pattern != nil {
		return w.Pattern
	}
	return segmentPattern
}

// Run starts both watcher sources and blocks until ctx is cancelled or an
// unrecoverable error occurs in the primary source. The poller never fails
// the group - a transient stat error is logged and retried next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.pollerSeen = make(map[string]bool)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.Dir); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.runFsnotify(ctx, fsw) })
	eg.Go(func() error { return w.runPoller(ctx) })
	return eg.Wait()
}

func (w *Watcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !w.pattern().MatchString(name) {
				continue
			}
			w.OnEvent(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("fsnotify watcher error", "dir", w.Dir, "err", err)
		}
	}
}

func (w *Watcher) runPoller(ctx context.Context) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		slog.Warn("poller: cannot read buffer dir", "dir", w.Dir, "err", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !w.pattern().MatchString(name) {
			continue
		}
		w.mu.Lock()
		already := w.pollerSeen[name]
		w.mu.Unlock()
		if already {
			continue
		}
		path := filepath.Join(w.Dir, name)
		if !w.isStable(path) {
			continue
		}
		w.mu.Lock()
		w.pollerSeen[name] = true
		w.mu.Unlock()
		w.OnEvent(path)
	}
}

// isStable reads the file's size twice, 100ms apart, and reports stability
// only when both readings agree and are positive - this prevents the
// poller from copying a segment the transcoder is still flushing.
func (w *Watcher) isStable(path string) bool {
	first, err := os.Stat(path)
	if err != nil {
		return false
	}
	time.Sleep(stabilityPause)
	second, err := os.Stat(path)
	if err != nil {
		return false
	}
	return first.Size() > 0 && first.Size() == second.Size()
}
