// Package platform declares the boundary to the device's update machinery:
// the executor that streams an image into flash and the partitions it
// targets. Implementations own every low-level detail; callers drive the
// begin/perform/finish loop and nothing else.
package platform

import (
	"context"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"
)

// Step is the outcome of a single Perform call.
type Step int

const (
	// StepContinue means more data remains; call Perform again after
	// yielding.
	StepContinue Step = iota
	// StepDone means the transfer loop has ended. Callers must still check
	// IsComplete before finishing - a closed stream is not a complete one.
	StepDone
)

// Job names the image a download should produce and the material needed to
// fetch it.
type Job struct {
	// URL locates the firmware image.
	URL string
	// Checksum is the expected hex SHA-256 of the image, empty when the
	// trigger carried none.
	Checksum string
	// Roots holds the CA material for the fetch, nil for the system pool.
	Roots *x509.CertPool
}

// Executor performs chunked fetch-and-write into an inactive partition.
type Executor interface {
	// Begin resolves the target partition and opens the transfer, returning
	// a Handle that owns both until Finish or Abort.
	Begin(ctx context.Context, job Job) (Handle, error)
}

// Handle is one in-flight transfer. It is not safe for concurrent use; the
// attempt that began it owns it until Finish or Abort.
type Handle interface {
	// Perform transfers at most one chunk. Callers should yield between
	// calls so the device's other duties are not starved.
	Perform() (Step, error)
	// IsComplete reports whether every expected byte was received.
	IsComplete() bool
	// Received reports the bytes written so far, for progress reporting.
	Received() int64
	// Finish validates and commits the written image. Only call after
	// Perform returned StepDone and IsComplete is true.
	Finish() error
	// Abort releases the transfer and its partition without committing.
	// Safe to call after a failed Perform or Finish.
	Abort()
}

// Partition is an opaque flashable region. Writes land in the region;
// Commit stages it for the platform's boot selection.
type Partition interface {
	io.Writer
	// Commit marks the written image as the boot target. Irreversible from
	// this package's point of view.
	Commit() error
	// Close releases the region without affecting boot selection.
	Close() error
	// Address is the region's base address, used for boot bookkeeping.
	Address() uint32
}

// Selector exposes the device's partition table.
type Selector interface {
	// Active returns the base address of the currently booted region.
	Active() (uint32, error)
	// Next opens the inactive region for writing, erased.
	Next() (Partition, error)
}

// Ping the selector to verify the partition table is usable before any
// update is accepted. Callers should run this at startup to fail early.
func Ping(s Selector) error {
	if _, err := s.Active(); err != nil {
		return errors.WithMessage(err, "could not resolve active partition")
	}
	return nil
}
