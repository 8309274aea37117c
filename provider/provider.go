// Package provider defines the persistent key-value store used by modsync for
// cache entries, job records and bulk-run status.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation).
//
// The keyspaces "entry:<ns>:", "index:<ns>:", "job:<ns>:", "jobs:<ns>:" and
// "bulk:<ns>:" are owned by modsync. External code MUST NOT write under them.
package provider

import (
	"context"
	"errors"
)

// ErrRejected is returned by Set when a store refused the write (admission
// policy, memory pressure). modsync treats it like any other storage failure:
// an unpersisted write is never reported as success.
var ErrRejected = errors.New("provider: write rejected")

// Provider is a minimal byte store. Entries do not expire on their own;
// freshness is decided above this layer. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
