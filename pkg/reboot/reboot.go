// Package reboot restarts the device after an update session ends. The
// restart is deliberately delayed: the grace period gives in-flight log and
// telemetry flushes a chance to land before the process goes away.
package reboot

import (
	"sync"
	"time"

	"github.com/gecl/otawatch/pkg/logging"
)

// Rebooter performs the actual restart.
type Rebooter interface {
	Reboot() error
}

// Scheduler arms a single one-shot delayed reboot. Scheduling while a reboot
// is already pending restarts the countdown; there is never more than one
// timer.
type Scheduler struct {
	mu       sync.Mutex
	log      logging.Logger
	delay    time.Duration
	rebooter Rebooter
	timer    *time.Timer
	pending  bool
}

// NewScheduler returns a scheduler that fires rebooter after delay.
func NewScheduler(log logging.Logger, delay time.Duration, rebooter Rebooter) *Scheduler {
	return &Scheduler{log: log, delay: delay, rebooter: rebooter}
}

// Schedule arms the reboot, or restarts the countdown if one is pending.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.fire)
	} else {
		s.timer.Stop()
		s.timer.Reset(s.delay)
	}
	s.pending = true
	s.log.WithField("delay", s.delay).Info("reboot scheduled")
}

// Stop disarms a pending reboot, reporting whether the countdown was actually
// stopped. A timer caught mid-fire cannot be disarmed; the timer's own Stop
// result is what distinguishes that from a live countdown.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	disarmed := s.pending && s.timer != nil && s.timer.Stop()
	s.pending = false
	return disarmed
}

// Pending reports whether a reboot countdown is running.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	s.log.Info("rebooting system")
	if err := s.rebooter.Reboot(); err != nil {
		s.log.WithError(err).Error("reboot request failed")
	}
}
