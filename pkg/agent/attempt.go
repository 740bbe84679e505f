package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/platform"
	"github.com/gecl/otawatch/pkg/retry"
	"github.com/gecl/otawatch/pkg/session"
	"github.com/gecl/otawatch/pkg/store"
	"github.com/gecl/otawatch/pkg/telemetry"
	"github.com/gecl/otawatch/pkg/trigger"
	"github.com/gecl/otawatch/pkg/watchdog"
)

// execute owns the session from first attempt through teardown. It is the
// only goroutine that mutates the session once Submit hands it over.
func (a *Agent) execute(ctx context.Context, id session.ID, req *trigger.Request) {
	log := a.log.WithField("session", id)

	a.policy.Reset()

	var succeeded bool
	for {
		attempt := a.beginAttempt()
		log.WithField("attempt", attempt).Info("starting update attempt")

		err := a.attempt(ctx, log, req)
		if err == nil {
			a.noteSuccess()
			succeeded = true
			break
		}

		kind := session.KindOf(err)
		a.noteFailure(kind)
		log.WithError(err).WithField("attempt", attempt).Error("update attempt failed")

		if a.policy.Decide(attempt, kind) != retry.Retry {
			log.Error("attempt budget exhausted; update failed")
			a.transition(session.StateFailed)
			break
		}
		log.Info("retrying update")
		if err := a.policy.Pause(ctx); err != nil {
			log.WithError(err).Warn("cancelled while pausing between attempts")
			a.transition(session.StateFailed)
			break
		}
	}

	a.teardown(log, succeeded)
}

// attempt runs one complete begin/perform/finalize cycle. Every attempt
// starts from Begin with a fresh handle; nothing from a prior attempt is
// reused, which is what makes a finalize failure safely retryable.
func (a *Agent) attempt(ctx context.Context, log logging.Logger, req *trigger.Request) error {
	mon := watchdog.Arm(watchdog.Config{
		Deadline:    a.cfg.Timeout,
		StallWindow: a.cfg.StallWindow,
		OnStall: func() {
			// Timer context: flag it and leave recovery to the external
			// fault handler behind Pulse.
			log.Error("update attempt stalled; no progress within liveness window")
		},
		Pulse: a.deps.Pulse,
	})
	defer mon.Stop()

	handle, err := a.deps.Executor.Begin(ctx, platform.Job{
		URL:      req.URL,
		Checksum: req.Checksum,
		Roots:    a.cfg.Roots,
	})
	if err != nil {
		return session.NewError(session.KindDownload, err)
	}

	var iterations uint
	for {
		select {
		case <-ctx.Done():
			handle.Abort()
			return session.NewError(session.KindDownload, ctx.Err())
		case <-mon.Expired():
			handle.Abort()
			return session.Errorf(session.KindTimeout, "attempt deadline of %s exceeded", a.cfg.Timeout)
		default:
		}

		step, err := handle.Perform()
		if err != nil {
			handle.Abort()
			return session.NewError(session.KindDownload, err)
		}
		mon.Feed()

		iterations++
		if iterations%a.cfg.ProgressInterval == 0 {
			telemetry.Best(log, a.deps.Publisher, telemetry.TopicProgress,
				fmt.Sprintf("downloaded %d bytes", handle.Received()))
		}

		if step == platform.StepDone {
			break
		}
		// Yield between chunks; the loop re-checks abort signals on entry.
		time.Sleep(a.cfg.PerformYield)
	}

	if !handle.IsComplete() {
		handle.Abort()
		return session.Errorf(session.KindIncompleteData,
			"stream ended after %d bytes, short of expected length", handle.Received())
	}

	a.transition(session.StateFinalizing)

	select {
	case <-mon.Expired():
		handle.Abort()
		return session.Errorf(session.KindTimeout, "attempt deadline of %s exceeded before finalize", a.cfg.Timeout)
	default:
	}

	if a.cfg.ChecksumRequired && req.Checksum == "" {
		handle.Abort()
		return session.Errorf(session.KindFinalize, "policy requires a checksum but the trigger carried none")
	}
	if err := handle.Finish(); err != nil {
		handle.Abort()
		return session.NewError(session.KindFinalize, err)
	}
	return nil
}

// teardown walks the terminal session through resource release, success
// bookkeeping and reboot scheduling. Failed sessions take the same path -
// a clean restart beats limping on half torn down.
func (a *Agent) teardown(log logging.Logger, succeeded bool) {
	a.transition(session.StateTeardown)

	outcome := "failed"
	if succeeded {
		outcome = "complete"
	}
	telemetry.Best(log, a.deps.Publisher, telemetry.TopicOutcome, "update "+outcome)

	if a.deps.Network != nil {
		if a.cfg.GracefulTeardown {
			if err := a.deps.Network.Stop(); err != nil {
				log.WithError(err).Warn("network stop failed during teardown")
			}
		}
		if err := a.deps.Network.Disconnect(); err != nil {
			log.WithError(err).Warn("network disconnect failed during teardown")
		}
	}

	if succeeded {
		stamp := time.Now().Format(store.TimestampFormat)
		if err := a.deps.Store.SetString(store.KeyOTATimestamp, stamp); err != nil {
			// Persistence trouble only degrades the audit trail; the update
			// outcome stands.
			log.WithError(err).Error("could not persist update timestamp")
		}
	}

	a.deps.Scheduler.Schedule()
	a.transition(session.StateRebootScheduled)
	log.WithField("outcome", outcome).Info("session torn down; reboot pending")
}
