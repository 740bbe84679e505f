package watchdog

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/gecl/otawatch/pkg/logging"
)

// SystemdPulse returns a Pulse function forwarding liveness to the service
// manager's own watchdog (WatchdogSec= in the unit). A process that wedges
// hard enough to stop feeding gets restarted from outside, which is the
// whole point of the second timer.
func SystemdPulse(log logging.Logger) func() {
	return func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			log.WithError(err).Debug("sd_notify watchdog pulse failed")
		}
	}
}
