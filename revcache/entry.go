package revcache

import "time"

// Entry is one cached snapshot.
type Entry[V any] struct {
	Key       string
	Payload   V
	Revision  string // empty => no versioning available
	FetchedAt time.Time
	SizeBytes int64
}

// Stat is the payload-free view of an entry kept in the index.
type Stat struct {
	Key       string
	Revision  string
	FetchedAt time.Time
	SizeBytes int64
}

// FreshnessPolicy decides whether an entry can be served without asking the
// remote. Revision matching is the caller's business; the policy only knows
// about age.
type FreshnessPolicy struct {
	TTL        time.Duration
	AllowStale bool // caller accepts any cached entry regardless of age
}

// Fresh reports whether an entry fetched at fetchedAt is fresh at now.
func (p FreshnessPolicy) Fresh(fetchedAt, now time.Time) bool {
	if p.AllowStale {
		return true
	}
	return now.Sub(fetchedAt) <= p.TTL
}

// meta is the persisted index record for one key.
type meta struct {
	FetchedAt int64  `msgpack:"t"` // unix ms
	Size      int64  `msgpack:"s"`
	Revision  string `msgpack:"r,omitempty"`
}

type indexRecord struct {
	Entries map[string]meta `msgpack:"e"`
}

func (m meta) stat(key string) Stat {
	return Stat{
		Key:       key,
		Revision:  m.Revision,
		FetchedAt: time.UnixMilli(m.FetchedAt),
		SizeBytes: m.Size,
	}
}
