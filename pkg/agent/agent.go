package agent

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gecl/otawatch/pkg/bootguard"
	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/platform"
	"github.com/gecl/otawatch/pkg/reboot"
	"github.com/gecl/otawatch/pkg/retry"
	"github.com/gecl/otawatch/pkg/session"
	"github.com/gecl/otawatch/pkg/store"
	"github.com/gecl/otawatch/pkg/telemetry"
	"github.com/gecl/otawatch/pkg/trigger"
	"github.com/gecl/otawatch/pkg/workgroup"
)

const (
	statusInterval = 30 * time.Second
)

// Config is the update policy. Behavior that drifted across deployments
// lives here explicitly instead of in forked code paths.
type Config struct {
	// MaxRetries is the total attempt budget per session.
	MaxRetries uint
	// Timeout is the logical deadline per attempt.
	Timeout time.Duration
	// StallWindow is the liveness window between progress pulses; see
	// pkg/watchdog.
	StallWindow time.Duration
	// ChecksumRequired fails finalize when a trigger carries no checksum.
	// A checksum that is present is verified either way.
	ChecksumRequired bool
	// GracefulTeardown stops the network session cleanly before reboot
	// instead of just dropping it.
	GracefulTeardown bool
	// RebootDelay is the grace period between a terminal state and the
	// restart, left for log and telemetry flushes.
	RebootDelay time.Duration
	// ProgressInterval is how many perform iterations pass between progress
	// reports.
	ProgressInterval uint
	// PerformYield is the pause between transfer chunks so the device's
	// other duties are not starved.
	PerformYield time.Duration
	// Roots holds CA material handed to the executor, nil for defaults.
	Roots *x509.CertPool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.StallWindow == 0 {
		c.StallWindow = 30 * time.Second
	}
	if c.RebootDelay == 0 {
		c.RebootDelay = 5 * time.Second
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 100
	}
	if c.PerformYield == 0 {
		c.PerformYield = 100 * time.Millisecond
	}
	return c
}

// NetworkController tears down the device's live network session ahead of a
// reboot. Declared here, at the consumer, like the other small collaborator
// boundaries.
type NetworkController interface {
	Stop() error
	Disconnect() error
}

// Collaborators are the boundaries the Agent drives. Executor, Selector,
// Store and Scheduler are required; the rest degrade to no-ops when nil.
type Collaborators struct {
	Executor  platform.Executor
	Selector  platform.Selector
	Store     store.Store
	Scheduler *reboot.Scheduler
	Network   NetworkController
	Publisher telemetry.Publisher
	// Pulse forwards watchdog liveness to a lower-level mechanism.
	Pulse func()
}

// Agent is the single entry point for applying an update.
type Agent struct {
	log    logging.Logger
	cfg    Config
	deps   Collaborators
	policy *retry.Policy

	mu      sync.Mutex
	current *session.Session
	lastID  session.ID
	runCtx  context.Context

	sessions sync.WaitGroup
}

func New(log logging.Logger, cfg Config, deps Collaborators) (*Agent, error) {
	switch {
	case deps.Executor == nil:
		return nil, errors.New("download executor is nil")
	case deps.Selector == nil:
		return nil, errors.New("partition selector is nil")
	case deps.Store == nil:
		return nil, errors.New("persistent store is nil")
	case deps.Scheduler == nil:
		return nil, errors.New("reboot scheduler is nil")
	}
	cfg = cfg.withDefaults()
	return &Agent{
		log:    log,
		cfg:    cfg,
		deps:   deps,
		policy: retry.NewPolicy(cfg.MaxRetries),
	}, nil
}

// CheckBoot runs the boot comparison. Call once, early, before any trigger
// can arrive.
func (a *Agent) CheckBoot() (bootguard.Report, error) {
	active, err := a.deps.Selector.Active()
	if err != nil {
		return bootguard.Report{}, errors.WithMessage(err, "could not resolve active partition at boot")
	}
	return bootguard.Check(a.log, a.deps.Store, active), nil
}

// Run blocks serving submits until ctx is cancelled, then waits out any
// in-flight session.
func (a *Agent) Run(ctx context.Context) error {
	if err := platform.Ping(a.deps.Selector); err != nil {
		return errors.WithMessage(err, "misconfigured")
	}

	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.log.Debug("starting")
	defer a.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	group.Work(a.statusReporter)

	<-ctx.Done()
	a.log.Info("waiting on in-flight session to finish")
	a.sessions.Wait()
	return group.Wait()
}

// Submit accepts an update request, creating the session and handing it to
// the attempt executor. It is strictly non-blocking: while a session is live
// the request is rejected with no side effects on the live session.
func (a *Agent) Submit(req *trigger.Request) (session.ID, error) {
	if req == nil {
		return 0, session.NewError(session.KindDecode, errors.New("nil update request"))
	}

	a.mu.Lock()
	if a.current != nil && !a.current.Released() {
		a.mu.Unlock()
		return 0, session.ErrBusy
	}
	a.lastID++
	s := session.New(a.lastID, a.cfg.MaxRetries)
	s.State = session.StateAcquiring
	a.current = s
	ctx := a.runCtx
	a.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	a.log.WithField("session", s.ID).WithField("url", req.URL).Info("update session accepted")

	a.sessions.Add(1)
	go func() {
		defer a.sessions.Done()
		a.execute(ctx, s.ID, req)
	}()

	return s.ID, nil
}

// Session returns a copy of the current session for observers, nil when none
// exists.
func (a *Agent) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.Clone()
}

func (a *Agent) statusReporter(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s := a.Session(); s != nil && !s.Released() {
				telemetry.Best(a.log, a.deps.Publisher, telemetry.TopicProgress,
					fmt.Sprintf("session %s", s.DisplayString()))
			}
		}
	}
}

func (a *Agent) transition(state session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return
	}
	a.current.State = state
	if logging.Debuggable {
		a.log.WithField("session", a.current.DisplayString()).Debug("transition")
	}
}

func (a *Agent) beginAttempt() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Attempt++
	a.current.State = session.StateDownloading
	return a.current.Attempt
}

func (a *Agent) noteFailure(kind session.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.LastError = kind
}

// noteSuccess marks the session complete. Failures from earlier attempts are
// wiped so the released session reads as the success it ended up being.
func (a *Agent) noteSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.State = session.StateComplete
	a.current.LastError = session.KindNone
}
