package modsync

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them on sync paths.
type Hooks interface {
	// An entry was served from cache because it was fresh by age
	// (or the caller preferred stale data).
	CacheHit(key string)

	// A stale entry was confirmed by a matching remote revision.
	RevisionMatch(key string)

	// An incremental fetch was abandoned in favor of a full fetch.
	// reason ∈ {"unsupported", "fetch_error", "incomplete_base", "parse_error"}
	IncrementalFallback(key, reason string)

	// Cache storage failed and the engine degraded (read treated as a miss).
	// op ∈ {"get", "stat", "touch"}
	StorageDegraded(op string, err error)

	// A background job failed and was requeued (attempt = failures so far).
	JobRetried(key string, attempt int, err error)

	// A background job exceeded its retry ceiling.
	JobFailed(key string, attempts int, err error)

	// The pruner evicted entries to honor the byte budget.
	Pruned(evicted int, freedBytes int64)

	// A bulk run reached its terminal state.
	BulkRunFinished(total, failed int, elapsed time.Duration)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheHit(string)                         {}
func (NopHooks) RevisionMatch(string)                    {}
func (NopHooks) IncrementalFallback(string, string)      {}
func (NopHooks) StorageDegraded(string, error)           {}
func (NopHooks) JobRetried(string, int, error)           {}
func (NopHooks) JobFailed(string, int, error)            {}
func (NopHooks) Pruned(int, int64)                       {}
func (NopHooks) BulkRunFinished(int, int, time.Duration) {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) CacheHit(k string) {
	for _, h := range m {
		h.CacheHit(k)
	}
}

func (m MultiHooks) RevisionMatch(k string) {
	for _, h := range m {
		h.RevisionMatch(k)
	}
}

func (m MultiHooks) IncrementalFallback(k, reason string) {
	for _, h := range m {
		h.IncrementalFallback(k, reason)
	}
}

func (m MultiHooks) StorageDegraded(op string, err error) {
	for _, h := range m {
		h.StorageDegraded(op, err)
	}
}

func (m MultiHooks) JobRetried(k string, attempt int, err error) {
	for _, h := range m {
		h.JobRetried(k, attempt, err)
	}
}

func (m MultiHooks) JobFailed(k string, attempts int, err error) {
	for _, h := range m {
		h.JobFailed(k, attempts, err)
	}
}

func (m MultiHooks) Pruned(evicted int, freed int64) {
	for _, h := range m {
		h.Pruned(evicted, freed)
	}
}

func (m MultiHooks) BulkRunFinished(total, failed int, elapsed time.Duration) {
	for _, h := range m {
		h.BulkRunFinished(total, failed, elapsed)
	}
}
