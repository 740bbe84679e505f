// Package session holds the state model shared between the update
// orchestration agent and its collaborators: the lifecycle of a single
// update session and the error taxonomy its attempts report.
package session

import (
	"fmt"
	"time"
)

// State is the lifecycle position of an update session.
type State = string

const (
	StateIdle            State = "idle"
	StateAcquiring       State = "acquiring"
	StateDownloading     State = "downloading"
	StateFinalizing      State = "finalizing"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
	StateTeardown        State = "teardown"
	StateRebootScheduled State = "reboot-scheduled"
)

// ID addresses a session for the lifetime of the process. IDs are assigned
// monotonically by the agent; they do not survive reboot.
type ID uint64

// Session tracks one in-flight update. Exactly one Session may be live at a
// time and it is owned exclusively by the agent that created it.
type Session struct {
	ID         ID
	State      State
	Attempt    uint
	MaxRetries uint
	StartedAt  time.Time
	LastError  Kind
}

// New returns a Session primed for its first attempt.
func New(id ID, maxRetries uint) *Session {
	return &Session{
		ID:         id,
		State:      StateIdle,
		MaxRetries: maxRetries,
		StartedAt:  time.Now(),
	}
}

// Terminal reports whether the session's outcome is decided. Terminal
// sessions still owe a teardown before they are released.
func (s *Session) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// Released reports whether the session has finished teardown and no longer
// blocks a new submit.
func (s *Session) Released() bool {
	return s.State == StateRebootScheduled
}

// Succeeded reports whether the session's update was committed.
func (s *Session) Succeeded() bool {
	return s.State == StateComplete || (s.Released() && s.LastError == KindNone)
}

func (s *Session) DisplayString() string {
	if s == nil {
		return ",,"
	}
	return fmt.Sprintf("%d,%s,%d/%d", s.ID, s.State, s.Attempt, s.MaxRetries)
}

// Clone returns a copy safe to hand to observers while the agent keeps
// mutating the original under its lock.
func (s Session) Clone() *Session {
	return &s
}
