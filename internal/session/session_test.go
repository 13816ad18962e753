// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package session

import (
	"testing"
	"time"
)

func at(s int) time.Time {
	return time.Unix(int64(s), 0)
}

func TestSessionInitialState(t *testing.T) {
	s := newSession(at(100))
	if s.State != Recording {
		t.Fatalf("want Recording, got %v", s.State)
	}
	if !s.IsActive() || !s.IsRecording() || s.IsCooldown() {
		t.Fatal("unexpected derived state")
	}
	if len(s.ID) != 8 {
		t.Fatalf("want 8-char id, got %q", s.ID)
	}
}

func TestEnterCooldown(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	if s.State != Cooldown || !s.CooldownStart.Equal(at(110)) {
		t.Fatalf("unexpected state after EnterCooldown: %+v", s)
	}
	if !s.IsCooldown() || s.IsRecording() {
		t.Fatal("derived state wrong")
	}
}

func TestExtendRecordingFromCooldown(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	s.ExtendRecording(at(115))
	if s.State != Recording {
		t.Fatalf("want Recording, got %v", s.State)
	}
	if !s.CooldownStart.IsZero() {
		t.Fatal("cooldown start should be cleared")
	}
	if !s.LastActivityTime.Equal(at(115)) {
		t.Fatal("activity time not updated")
	}
}

func TestShouldFinalizeBoundary(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	if s.ShouldFinalize(at(112), 5*time.Second) {
		t.Fatal("should not finalize before cooldown elapses")
	}
	// Exactly at the boundary should finalize (inclusive).
	if !s.ShouldFinalize(at(115), 5*time.Second) {
		t.Fatal("should finalize exactly at boundary")
	}
	if !s.ShouldFinalize(at(116), 5*time.Second) {
		t.Fatal("should finalize after boundary")
	}
}

func TestShouldNotFinalizeWhileRecording(t *testing.T) {
	s := newSession(at(100))
	if s.ShouldFinalize(at(200), 5*time.Second) {
		t.Fatal("recording session must never finalize")
	}
}

func TestEnterFinalizingAndComplete(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	s.EnterFinalizing()
	if s.State != Finalizing || !s.IsActive() {
		t.Fatalf("unexpected state: %v", s.State)
	}
	s.Complete()
	if s.State != Completed || s.IsActive() {
		t.Fatal("completed session must be inactive")
	}
}

func TestEnterCooldownOnlyFromRecording(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	s.EnterFinalizing()
	want := s.State
	s.EnterCooldown(at(120))
	if s.State != want {
		t.Fatalf("EnterCooldown from %v should be a no-op", want)
	}
}

func TestMultipleCooldownEntries(t *testing.T) {
	s := newSession(at(100))
	s.EnterCooldown(at(110))
	s.ExtendRecording(at(112))
	if !s.IsRecording() {
		t.Fatal("expected recording after extend")
	}
	s.EnterCooldown(at(120))
	if !s.IsCooldown() || !s.CooldownStart.Equal(at(120)) {
		t.Fatal("second cooldown entry not tracked correctly")
	}
}

func TestAddClip(t *testing.T) {
	s := newSession(at(100))
	s.AddClip("clip_0001.ts")
	s.AddClip("clip_0002.ts")
	if len(s.Clips) != 2 {
		t.Fatalf("want 2 clips, got %d", len(s.Clips))
	}
}
