package modsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/modsync/revcache"
)

var (
	// ErrStorageUnavailable marks cache I/O failures. Reads degrade to an
	// empty cache; a failed write is surfaced.
	ErrStorageUnavailable = revcache.ErrStorageUnavailable

	// ErrNetworkFailure marks transient remote failures.
	ErrNetworkFailure = errors.New("modsync: network failure")

	// ErrTimeout marks a remote call cut off by the request timeout.
	// A SyncError of this kind also matches ErrNetworkFailure.
	ErrTimeout = errors.New("modsync: timeout")

	// ErrUnsupportedOperation is returned by a Remote that cannot serve
	// incremental fetches. The engine falls back to a full fetch.
	ErrUnsupportedOperation = errors.New("modsync: unsupported operation")

	// ErrIncompleteBaseData is returned by a DeltaParser when a delta
	// references records the base payload does not have.
	ErrIncompleteBaseData = errors.New("modsync: incomplete base data")

	// ErrParseFailure marks a full payload that could not be parsed.
	ErrParseFailure = errors.New("modsync: parse failure")

	// ErrAlreadyRunning rejects a bulk run while another is active.
	// It is a normal outcome, not a failure.
	ErrAlreadyRunning = errors.New("modsync: bulk sync already running")

	// ErrRunEnumeration aborts a bulk run whose target list could not be read.
	ErrRunEnumeration = errors.New("modsync: target enumeration failed")
)

// SyncError describes a failed step of one key's sync.
// errors.Is matches both Kind and the underlying cause.
type SyncError struct {
	Key   string
	Stage string // revision | incremental | full | parse | save
	Kind  error  // one of the Err* sentinels
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("modsync: %s %q: %v: %v", e.Stage, e.Key, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Kind == ErrTimeout {
		errs = append(errs, ErrNetworkFailure)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// remoteKind classifies an error returned by a Remote call.
func remoteKind(err error) error {
	switch {
	case errors.Is(err, ErrUnsupportedOperation):
		return ErrUnsupportedOperation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrNetworkFailure
	}
}
