// Package revmemo remembers remote revision lookups for a short time, so a
// bulk run or a status check does not repeat the same metadata request.
package revmemo

import (
	"context"
	"time"
)

// Revision is the outcome of a remote revision lookup. Present=false records
// that the remote reported no revision for the key.
type Revision struct {
	Value   string
	Present bool
}

// Memo abstracts where resolved revisions live.
// Use Local (default) for in-process memos, or Redis to share them.
type Memo interface {
	// Lookup returns the remembered revision; ok=false on miss or expiry.
	Lookup(ctx context.Context, key string) (rev Revision, ok bool, err error)
	// Remember stores rev for the memo's TTL.
	Remember(ctx context.Context, key string, rev Revision) error
	// Forget drops key (after a local write made the remembered value moot).
	Forget(ctx context.Context, key string) error
	// Cleanup prunes expired entries if applicable (no-op for Redis).
	Cleanup()
	// Close releases resources (no-op ok).
	Close(context.Context) error
}

// DefaultTTL is how long a resolved revision is trusted.
const DefaultTTL = 30 * time.Second
