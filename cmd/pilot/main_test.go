// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"
	"time"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	if got := nextBackoff(time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("want 2s, got %v", got)
	}
	if got := nextBackoff(8*time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("want capped at 10s, got %v", got)
	}
}

func TestSleepCtxReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Second) {
		t.Fatal("want false once ctx is already canceled")
	}
}

func TestSleepCtxZeroDurationSkipsWaiting(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	if !sleepCtx(ctx, 0) {
		t.Fatal("want true for a live ctx with zero duration")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("zero duration must not actually sleep")
	}
}
