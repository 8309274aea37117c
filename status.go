package modsync

import (
	"context"
	"errors"
)

// CacheStatus inspects key without touching the cache. The remote revision
// comes from the revision memo when possible. A failed revision lookup still
// returns the cached half of the status along with the error.
func (e *Engine[V]) CacheStatus(ctx context.Context, key string) (CacheStatus, error) {
	if key == "" {
		return CacheStatus{}, errors.New("modsync: empty key")
	}
	var st CacheStatus
	stat, ok, err := e.cache.Stat(ctx, key)
	switch {
	case err != nil:
		e.log.Warn("cache stat failed; treating as miss", Fields{"key": key, "err": err})
		e.hooks.StorageDegraded("stat", err)
	case ok:
		st.HasCached = true
		st.CachedRevision = stat.Revision
		st.FetchedAt = stat.FetchedAt
		st.SizeBytes = stat.SizeBytes
	}

	rev, err := e.resolveRevision(ctx, key, true)
	if err != nil {
		st.IsStale = !st.HasCached || e.now().Sub(st.FetchedAt) > e.ttl
		return st, &SyncError{Key: key, Stage: "revision", Kind: remoteKind(err), Err: err}
	}
	if rev.Present {
		st.RemoteRevision = rev.Value
	}

	switch {
	case !st.HasCached:
		st.IsStale = true
	case e.now().Sub(st.FetchedAt) <= e.ttl:
		st.IsStale = false
	default:
		st.IsStale = !(rev.Present && rev.Value == st.CachedRevision)
	}
	return st, nil
}
