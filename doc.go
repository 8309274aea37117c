// Package modsync keeps a local, revisioned cache of moderation relationships
// (blocks, mutes, follows, blocked-by) in sync with a remote, versioned source
// while keeping network traffic low.
//
// Components:
//   - Engine: FetchSmart state machine (cache -> revision check -> delta ->
//     full fetch -> save), background queue, bulk runs, progress streams.
//   - revcache: persistent key -> snapshot store with revision, fetch time and size.
//   - internal/coalesce: at most one in-flight sync per key; callers share results.
//   - queue: priority queue of background sync jobs with retry ceiling and backoff.
//   - revmemo: short-lived memo of remote revision lookups (local or Redis).
//   - Provider: byte store (SQLite, BigCache, Ristretto, Redis).
//   - Codec[V]: (de)serializes V <-> []byte.
//
// Keys:
//
//	entry:<ns>:<key>     - cached snapshots
//	index:<ns>:entries   - cache metadata index
//	job:<ns>:<key>       - background jobs
//	jobs:<ns>:index      - job index
//	bulk:<ns>:status     - last bulk run
//
// Freshness: an entry younger than TTL is served without any network call.
// Older entries are confirmed by a revision lookup; a matching revision only
// refreshes the fetch time.
//
//	res, err := eng.FetchSmart(ctx, "did:plc:alice", modsync.FetchOptions{})
//	if errors.Is(err, modsync.ErrNetworkFailure) { ... }
//	_ = res.WasCached
package modsync
