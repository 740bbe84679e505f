// Package retry is the bounded-attempt decision logic for update sessions.
// The decision itself is a pure function of the attempt count, the bound and
// the failure kind; the Policy wraps it together with the pause taken
// between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gecl/otawatch/pkg/session"
)

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision int

const (
	GiveUp Decision = iota
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "give-up"
}

// Decide reports whether a failed attempt warrants another. Attempts are
// 1-based: a session whose attempt equals max has used its whole budget.
//
// Decode and busy failures never reach an attempt, so they never retry.
// Finalize failures do retry, but only ever by restarting the download from
// the beginning - the attempt loop structure enforces that, not this
// function.
func Decide(attempt, max uint, kind session.Kind) Decision {
	switch kind {
	case session.KindNone, session.KindDecode, session.KindBusy:
		return GiveUp
	}
	if attempt < max {
		return Retry
	}
	return GiveUp
}

// Policy couples the attempt bound with the pacing between attempts.
type Policy struct {
	MaxRetries uint
	pause      backoff.BackOff
}

// NewPolicy returns a policy allowing max attempts with a capped exponential
// pause between them.
func NewPolicy(max uint) *Policy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // the attempt bound, not elapsed time, ends the session
	return &Policy{MaxRetries: max, pause: b}
}

// NewPolicyWithPause returns a policy using the provided pacing instead of
// the default exponential schedule.
func NewPolicyWithPause(max uint, pause backoff.BackOff) *Policy {
	return &Policy{MaxRetries: max, pause: pause}
}

// Decide applies the pure decision with this policy's bound.
func (p *Policy) Decide(attempt uint, kind session.Kind) Decision {
	return Decide(attempt, p.MaxRetries, kind)
}

// Reset rewinds the pause schedule. Call at the start of each session.
func (p *Policy) Reset() {
	p.pause.Reset()
}

// Pause sleeps the next backoff interval, returning early with the context's
// error if it is cancelled first.
func (p *Policy) Pause(ctx context.Context) error {
	d := p.pause.NextBackOff()
	if d == backoff.Stop {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
