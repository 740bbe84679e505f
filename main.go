package main

import (
	"context"
	"crypto/x509"
	"flag"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/gecl/otawatch/pkg/agent"
	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/platform/devpart"
	"github.com/gecl/otawatch/pkg/platform/httpfetch"
	"github.com/gecl/otawatch/pkg/reboot"
	"github.com/gecl/otawatch/pkg/sigcontext"
	"github.com/gecl/otawatch/pkg/store/filestore"
	"github.com/gecl/otawatch/pkg/telemetry"
	"github.com/gecl/otawatch/pkg/trigger"
	"github.com/gecl/otawatch/pkg/trigger/cache"
	"github.com/gecl/otawatch/pkg/watchdog"
	"github.com/gecl/otawatch/pkg/workgroup"
)

var (
	flagIdentity    = flag.String("identity", "", "device identity that triggers must address (eg: burned-in MAC)")
	flagDataDir     = flag.String("data-dir", "/var/lib/otawatch", "directory for the store, partitions and trigger spool")
	flagLogDebug    = flag.Bool("debug", false, "")
	flagLogFile     = flag.String("log-file", "", "write logs to a rotated file instead of stderr")
	flagCAFile      = flag.String("ca-file", "", "PEM bundle for the image server, system pool when unset")
	flagMaxRetries  = flag.Uint("max-retries", 3, "attempt budget per update session")
	flagTimeout     = flag.Duration("timeout", 0, "per-attempt deadline, 0 for the built-in default")
	flagChecksum    = flag.Bool("checksum-required", false, "reject finalize when the trigger carries no checksum")
	flagGraceful    = flag.Bool("graceful-teardown", true, "stop the network session cleanly before reboot")
	flagRebootDelay = flag.Duration("reboot-delay", 0, "grace period before the scheduled reboot, 0 for the built-in default")
	flagSystemd     = flag.Bool("systemd", false, "reboot via logind and feed the systemd watchdog")
)

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}
	if *flagLogFile != "" {
		logging.Set(logging.OutputFile(*flagLogFile))
	}

	log := logging.New("main")

	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
	}

	if *flagIdentity == "" {
		log.Error("identity to operate under must be provided")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.WithError(err).Fatalf("otawatch stopped")
	}
}

func run(ctx context.Context, log logging.Logger) error {
	st, err := filestore.Open(filepath.Join(*flagDataDir, "otawatch.json"))
	if err != nil {
		return errors.WithMessage(err, "could not open store")
	}

	table, err := devpart.New(filepath.Join(*flagDataDir, "partitions"))
	if err != nil {
		return errors.WithMessage(err, "could not open partition table")
	}

	var roots *x509.CertPool
	if *flagCAFile != "" {
		pem, err := os.ReadFile(*flagCAFile)
		if err != nil {
			return errors.WithMessage(err, "could not read CA bundle")
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return errors.Errorf("no usable certificates in %s", *flagCAFile)
		}
	}

	var rebooter reboot.Rebooter = &reboot.ProcRebooter{}
	var pulse func()
	if *flagSystemd {
		rebooter = &reboot.LogindRebooter{}
		pulse = watchdog.SystemdPulse(logging.New("watchdog"))
	}

	delay := *flagRebootDelay
	if delay == 0 {
		delay = 5 * time.Second
	}

	cfg := agent.Config{
		MaxRetries:       *flagMaxRetries,
		Timeout:          *flagTimeout,
		ChecksumRequired: *flagChecksum,
		GracefulTeardown: *flagGraceful,
		RebootDelay:      delay,
		Roots:            roots,
	}

	a, err := agent.New(logging.New("agent"), cfg, agent.Collaborators{
		Executor:  httpfetch.New(logging.New("httpfetch"), table),
		Selector:  table,
		Store:     st,
		Scheduler: reboot.NewScheduler(logging.New("reboot"), cfg.RebootDelay, rebooter),
		Publisher: &telemetry.LogPublisher{Log: logging.New("telemetry")},
		Pulse:     pulse,
	})
	if err != nil {
		return errors.WithMessage(err, "could not setup agent")
	}

	report, err := a.CheckBoot()
	if err != nil {
		return errors.WithMessage(err, "boot check")
	}
	log.WithField("outcome", report.Outcome).Info("boot check done")

	group := workgroup.WithContext(ctx)
	group.Work(a.Run)
	group.Work(func(ctx context.Context) error {
		spool := trigger.NewSpool(logging.New("spool"), filepath.Join(*flagDataDir, "spool"))
		seen := cache.NewLastCache()
		return spool.Watch(ctx, func(payload []byte) {
			req, err := trigger.Decode(payload, *flagIdentity)
			if err != nil {
				log.WithError(err).Error("dropping undecodable trigger")
				return
			}
			if cache.Duplicate(seen, req) {
				log.WithField("url", req.URL).Debug("dropping redelivered trigger")
				return
			}
			seen.Record(req)
			if _, err := a.Submit(req); err != nil {
				log.WithError(err).Error("trigger not accepted")
			}
		})
	})
	return group.Wait()
}
