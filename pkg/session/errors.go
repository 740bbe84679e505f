package session

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind classifies an attempt failure for retry decisions and bookkeeping.
type Kind = string

const (
	KindNone Kind = ""
	// KindDecode marks a malformed or mis-addressed trigger, rejected before
	// any session exists.
	KindDecode Kind = "decode"
	// KindBusy marks a submit that arrived while a session was live.
	KindBusy Kind = "busy"
	// KindDownload marks a transport or flash-write failure mid-transfer.
	KindDownload Kind = "download"
	// KindIncompleteData marks a stream that ended short of the expected
	// size. Treated exactly like KindDownload by policy.
	KindIncompleteData Kind = "incomplete-data"
	// KindTimeout marks an attempt that outlived its deadline.
	KindTimeout Kind = "timeout"
	// KindFinalize marks a validation or commit failure after a complete
	// download. Retrying requires a fresh download, never a bare re-commit.
	KindFinalize Kind = "finalize"
	// KindPersistence marks a store write failure. It never changes an
	// update's outcome, only the audit trail.
	KindPersistence Kind = "persistence"
)

// Error carries a Kind alongside its cause so the retry policy can classify
// failures without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Kind + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given classification.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// ErrBusy is returned by submit while a session is live. The caller's
// request is dropped; the live session is untouched.
var ErrBusy = NewError(KindBusy, errors.New("an update session is already in flight"))

// KindOf extracts the classification from anywhere in err's chain,
// defaulting to KindDownload for unclassified attempt failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return KindDownload
}
