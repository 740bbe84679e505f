// Package watchdog enforces two independent timers over an in-flight update
// attempt: a logical deadline that tells the attempt to give up, and a
// liveness window that trips a lower-level fault handler when the attempt
// stops making progress entirely.
//
// The deadline never acts on the attempt directly. It posts a signal on the
// Expired channel and the goroutine owning the attempt decides when and how
// to unwind - timer callbacks run in their own context and must not touch
// session state or perform blocking cleanup.
package watchdog

import (
	"sync"
	"time"
)

// Config arms a Monitor.
type Config struct {
	// Deadline bounds the whole attempt. Zero disables it.
	Deadline time.Duration
	// StallWindow is how long the attempt may go without a Feed before the
	// stall handler fires. Zero disables stall detection.
	StallWindow time.Duration
	// OnStall is the low-level fault handler invoked on a missed liveness
	// window. It runs in timer context; keep it short and non-blocking.
	OnStall func()
	// Pulse, when set, forwards every Feed to an external liveness
	// mechanism (eg: the init system's watchdog).
	Pulse func()
}

// Monitor supervises one attempt. Arm one per attempt and Stop it when the
// attempt ends, whichever way it ends.
type Monitor struct {
	mu       sync.Mutex
	deadline *time.Timer
	stall    *time.Timer
	window   time.Duration
	pulse    func()
	expired  chan struct{}
	once     sync.Once
	stopped  bool
}

// Arm starts the monitor's timers.
func Arm(cfg Config) *Monitor {
	m := &Monitor{
		window:  cfg.StallWindow,
		pulse:   cfg.Pulse,
		expired: make(chan struct{}),
	}
	if cfg.Deadline > 0 {
		m.deadline = time.AfterFunc(cfg.Deadline, m.expire)
	}
	if cfg.StallWindow > 0 && cfg.OnStall != nil {
		m.stall = time.AfterFunc(cfg.StallWindow, cfg.OnStall)
	}
	return m
}

// Expired is closed when the deadline passes. The attempt's owner selects on
// it between units of work.
func (m *Monitor) Expired() <-chan struct{} {
	return m.expired
}

// Feed records forward progress: the stall window restarts and the external
// pulse, if any, is forwarded. Call once per loop iteration while working.
func (m *Monitor) Feed() {
	m.mu.Lock()
	if !m.stopped && m.stall != nil {
		m.stall.Reset(m.window)
	}
	pulse := m.pulse
	m.mu.Unlock()
	if pulse != nil {
		pulse()
	}
}

// Stop releases both timers. The Expired channel is left in whatever state
// it reached; stopping does not un-expire a monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.deadline != nil {
		m.deadline.Stop()
	}
	if m.stall != nil {
		m.stall.Stop()
	}
}

func (m *Monitor) expire() {
	m.once.Do(func() { close(m.expired) })
}
