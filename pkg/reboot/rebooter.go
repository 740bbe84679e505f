package reboot

import (
	"os"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/pkg/errors"
)

// ProcRebooter ends the process and lets the supervising init restart it.
// Suitable where the daemon runs under a supervisor configured to restart,
// and for development hosts that should not actually reboot.
type ProcRebooter struct{}

func (*ProcRebooter) Reboot() error {
	p, _ := os.FindProcess(os.Getpid())
	go p.Kill()
	return nil
}

// LogindRebooter asks the service manager for a clean system reboot over the
// system bus, so unit shutdown ordering still applies.
type LogindRebooter struct{}

func (*LogindRebooter) Reboot() error {
	conn, err := login1.New()
	if err != nil {
		return errors.Wrap(err, "connecting to logind")
	}
	defer conn.Close()
	conn.Reboot(false)
	return nil
}
