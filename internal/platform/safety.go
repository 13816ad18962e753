// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package platform holds the safety rail for destructive filesystem
// operations and the dual-sourced directory watcher that feeds the recorder
// fan-out, grounded on original_source/src/platform.py's is_safe_to_delete,
// safe_rmtree, and WatcherHandle.
package platform

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ProjectMarker is the literal substring a resolved path must contain before
// any destructive call is allowed to touch it, mirroring the source's
// "device-pilot" guard.
const ProjectMarker = "campilot"

// safePrefixes returns the set of directories destructive operations may
// operate under: the system temp directory and, on Linux single-board
// deployments, a RAM disk mount.
func safePrefixes() []string {
	prefixes := []string{os.TempDir()}
	if _, err := os.Stat("/mnt/ramdisk"); err == nil {
		prefixes = append(prefixes, "/mnt/ramdisk")
	}
	return prefixes
}

// IsSafeToDelete is the single pure predicate every destructive call must
// route through: the path must resolve (symlinks followed), must exist,
// must contain ProjectMarker, and must resolve under one of safePrefixes().
func IsSafeToDelete(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("safe-delete: cannot resolve path", "path", path, "err", err)
		}
		return false
	}
	if !strings.Contains(resolved, ProjectMarker) {
		slog.Warn("refusing to delete: not a recognized project directory", "path", resolved)
		return false
	}
	for _, prefix := range safePrefixes() {
		resolvedPrefix, err := filepath.EvalSymlinks(prefix)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(resolvedPrefix, resolved)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	slog.Warn("refusing to delete: not under a recognized safe prefix", "path", resolved)
	return false
}

// SafeRemoveAll removes path recursively only if IsSafeToDelete approves.
// Returns true if the directory was removed.
func SafeRemoveAll(path string) bool {
	if !IsSafeToDelete(path) {
		return false
	}
	if err := os.RemoveAll(path); err != nil {
		slog.Error("failed to clean up directory", "path", path, "err", err)
		return false
	}
	slog.Debug("cleaned up directory", "path", path)
	return true
}
