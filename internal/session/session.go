// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package session implements the per-event state machine and the manager
// that routes motion/no-motion/tick events to possibly-overlapping sessions.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is one of the four states a Session moves through.
type State int

const (
	// Recording is the initial state: motion is active.
	Recording State = iota
	// Cooldown is entered once motion stops; further motion returns to Recording.
	Cooldown
	// Finalizing is entered once cooldown has expired; the fan-out is
	// concatenating clips.
	Finalizing
	// Completed is terminal. No further mutation is permitted past this point.
	Completed
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Cooldown:
		return "cooldown"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// newID mints an 8-character opaque session token. The system must not rely
// on this being collision-resistant, only on it being unique with
// overwhelming probability in practice.
func newID() string {
	return uuid.NewString()[:8]
}

// Session is a single event's lifecycle record, from first motion through
// finalization. It is exclusively owned and mutated by a Manager; nothing
// else writes to it.
type Session struct {
	ID               string
	State            State
	StartTime        time.Time
	LastActivityTime time.Time
	CooldownStart    time.Time
	hasCooldown      bool
	// Clips is the session's own record of clip names, appended to through
	// AddClip (Manager.AddClipToActive calls it for every active session).
	// The recorder fan-out does not write to this list: its SessionRecorder
	// keeps its own record of the copied file paths, so in the running
	// pipeline Clips stays empty.
	Clips []string
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:               newID(),
		State:            Recording,
		StartTime:        now,
		LastActivityTime: now,
	}
}

// EnterCooldown transitions RECORDING -> COOLDOWN. No-op otherwise.
func (s *Session) EnterCooldown(now time.Time) {
	if s.State != Recording {
		return
	}
	s.State = Cooldown
	s.CooldownStart = now
	s.hasCooldown = true
}

// ExtendRecording transitions COOLDOWN -> RECORDING (clearing the cooldown
// clock) or refreshes the activity timestamp of an already-RECORDING
// session. No-op for FINALIZING/COMPLETED sessions.
func (s *Session) ExtendRecording(now time.Time) {
	switch s.State {
	case Cooldown:
		s.State = Recording
		s.hasCooldown = false
		s.CooldownStart = time.Time{}
	case Recording:
	default:
		return
	}
	s.LastActivityTime = now
}

// EnterFinalizing transitions COOLDOWN -> FINALIZING. No-op otherwise.
func (s *Session) EnterFinalizing() {
	if s.State != Cooldown {
		return
	}
	s.State = Finalizing
}

// Complete transitions to COMPLETED. Valid from any state; once COMPLETED
// the session must not be mutated further.
func (s *Session) Complete() {
	s.State = Completed
}

// ShouldFinalize reports whether cooldown has expired (inclusive of the
// boundary: exactly cooldownSeconds elapsed counts as expired).
func (s *Session) ShouldFinalize(now time.Time, cooldown time.Duration) bool {
	if s.State != Cooldown || !s.hasCooldown {
		return false
	}
	return now.Sub(s.CooldownStart) >= cooldown
}

// IsActive reports whether the session has not yet completed.
func (s *Session) IsActive() bool {
	switch s.State {
	case Recording, Cooldown, Finalizing:
		return true
	default:
		return false
	}
}

// AddClip records a clip name against this session. Not deduplicated here -
// the fan-out's seen-set is the deduplication authority.
func (s *Session) AddClip(name string) {
	s.Clips = append(s.Clips, name)
}

// IsRecording reports whether the session is actively capturing.
func (s *Session) IsRecording() bool { return s.State == Recording }

// IsCooldown reports whether the session is in its grace period.
func (s *Session) IsCooldown() bool { return s.State == Cooldown }
