// Package httpfetch is the HTTPS implementation of the platform executor.
// It streams a firmware image one chunk per Perform call into the inactive
// partition, hashing as it goes so Finish can verify the image before the
// partition is committed.
package httpfetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/platform"
	"github.com/pkg/errors"
)

const (
	// chunkSize is the most a single Perform call will read. Sized for
	// devices that flash in 4k pages.
	chunkSize = 4096

	requestTimeout = 30 * time.Second
)

// Fetcher implements platform.Executor over HTTPS.
type Fetcher struct {
	log      logging.Logger
	selector platform.Selector
}

var _ platform.Executor = (*Fetcher)(nil)

// New returns a Fetcher writing into partitions provided by selector.
func New(log logging.Logger, selector platform.Selector) *Fetcher {
	return &Fetcher{log: log, selector: selector}
}

// Begin opens the transfer: resolves the inactive partition, issues the GET
// and hands back a handle owning both. The response body is read only by
// Perform.
func (f *Fetcher) Begin(ctx context.Context, job platform.Job) (platform.Handle, error) {
	part, err := f.selector.Next()
	if err != nil {
		return nil, errors.WithMessage(err, "no inactive partition for update")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		part.Close()
		return nil, errors.Wrap(err, "building image request")
	}

	client := &http.Client{Timeout: 0} // the watchdog owns the overall deadline
	if job.Roots != nil {
		client.Transport = &http.Transport{
			TLSClientConfig:       &tls.Config{RootCAs: job.Roots},
			ResponseHeaderTimeout: requestTimeout,
		}
	} else {
		client.Transport = &http.Transport{
			ResponseHeaderTimeout: requestTimeout,
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		part.Close()
		return nil, errors.Wrap(err, "opening image stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		part.Close()
		return nil, errors.Errorf("image server answered %s", resp.Status)
	}

	f.log.WithField("url", job.URL).WithField("length", resp.ContentLength).Info("image stream open")

	return &transfer{
		log:      f.log,
		body:     resp.Body,
		part:     part,
		expected: resp.ContentLength,
		digest:   sha256.New(),
		checksum: job.Checksum,
	}, nil
}

// transfer is one in-flight download. Owned by a single attempt goroutine.
type transfer struct {
	log      logging.Logger
	body     io.ReadCloser
	part     platform.Partition
	expected int64
	received int64
	digest   hash.Hash
	checksum string
	done     bool
	buf      [chunkSize]byte
}

func (t *transfer) Perform() (platform.Step, error) {
	if t.done {
		return platform.StepDone, nil
	}

	n, err := t.body.Read(t.buf[:])
	if n > 0 {
		if _, werr := t.part.Write(t.buf[:n]); werr != nil {
			return platform.StepDone, errors.Wrap(werr, "writing image chunk to partition")
		}
		t.digest.Write(t.buf[:n])
		t.received += int64(n)
	}
	if err == io.EOF {
		t.done = true
		return platform.StepDone, nil
	}
	if err != nil {
		return platform.StepDone, errors.Wrap(err, "reading image stream")
	}
	return platform.StepContinue, nil
}

func (t *transfer) IsComplete() bool {
	if !t.done {
		return false
	}
	// Servers that refuse to state a length get the benefit of the doubt;
	// the checksum is then the only completeness check available.
	if t.expected < 0 {
		return t.received > 0
	}
	return t.received == t.expected
}

func (t *transfer) Received() int64 {
	return t.received
}

// Finish verifies the image against the job checksum when one was given and
// commits the partition.
func (t *transfer) Finish() error {
	defer t.body.Close()

	if t.checksum != "" {
		sum := hex.EncodeToString(t.digest.Sum(nil))
		if sum != t.checksum {
			t.part.Close()
			return errors.Errorf("image checksum mismatch: got %s want %s", sum, t.checksum)
		}
	}

	if err := t.part.Commit(); err != nil {
		return errors.WithMessage(err, "committing partition")
	}
	t.log.WithField("bytes", t.received).Info("image committed")
	return nil
}

func (t *transfer) Abort() {
	t.body.Close()
	if err := t.part.Close(); err != nil && t.log != nil {
		t.log.WithError(err).Warn("releasing partition after abort")
	}
}
