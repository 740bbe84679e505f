package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/gecl/otawatch/pkg/logging"
)

// Spool delivers trigger payloads dropped into a directory by whatever
// transport the deployment uses. Each payload is a file; the spool consumes
// (reads and removes) it and hands the bytes to the deliver callback. The
// transport itself stays outside this module's scope.
type Spool struct {
	log logging.Logger
	dir string
}

func NewSpool(log logging.Logger, dir string) *Spool {
	return &Spool{log: log, dir: dir}
}

// Watch consumes payloads until ctx is cancelled. Files already present at
// start are consumed before new arrivals.
func (s *Spool) Watch(ctx context.Context, deliver func(payload []byte)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating trigger spool")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "opening spool watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return errors.Wrap(err, "watching trigger spool")
	}

	// Drain anything the transport spooled while we were away.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "listing trigger spool")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			s.consume(filepath.Join(s.dir, entry.Name()), deliver)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			s.consume(ev.Name, deliver)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(werr).Warn("spool watcher error")
		}
	}
}

func (s *Spool) consume(path string, deliver func(payload []byte)) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("file", path).Warn("unreadable trigger file")
		}
		return
	}
	if len(payload) == 0 {
		// A transport that creates the file before writing it shows up here
		// as an empty read on the Create event. Leave the file in place; the
		// Write event that follows consumes it.
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("file", path).Warn("could not remove consumed trigger")
	}
	deliver(payload)
}
