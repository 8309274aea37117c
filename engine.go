package modsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	c "github.com/unkn0wn-root/modsync/codec"
	flight "github.com/unkn0wn-root/modsync/internal/coalesce"
	"github.com/unkn0wn-root/modsync/internal/util"
	pr "github.com/unkn0wn-root/modsync/provider"
	"github.com/unkn0wn-root/modsync/queue"
	"github.com/unkn0wn-root/modsync/revcache"
	"github.com/unkn0wn-root/modsync/revmemo"
)

const tracerName = "github.com/unkn0wn-root/modsync"

// Engine keeps one namespace of remote entities in sync with a local cache.
// All entry points share one coalescer, so on-demand, background and bulk
// paths never fetch the same key twice at once.
type Engine[V any] struct {
	ns       string
	provider pr.Provider
	cache    *revcache.Cache[V]
	remote   Remote
	parser   Parser[V]
	targets  TargetLister
	memo     revmemo.Memo
	ownMemo  bool
	queue    *queue.Queue
	group    *flight.Group[FetchResult[V]]
	events   *hub
	log      Logger
	hooks    Hooks
	tracer   trace.Tracer
	now      func() time.Time

	ttl             time.Duration
	requestTimeout  time.Duration
	maxCacheBytes   int64
	parallelism     int
	putAttempts     int
	putRetryBackoff time.Duration
	drainInterval   time.Duration
	drainBatch      int

	bulkMu      sync.Mutex
	bulk        BulkSyncStatus
	statusCodec c.Msgpack[BulkSyncStatus]

	closeOnce sync.Once
}

// New builds an Engine and restores persisted queue jobs and the last bulk
// run status. Restore failures are logged, not returned.
func New[V any](ctx context.Context, opts Options[V]) (*Engine[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("modsync: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("modsync: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("modsync: namespace is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("modsync: remote is required")
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("modsync: parser is required")
	}

	e := &Engine[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		remote:   opts.Remote,
		parser:   opts.Parser,
		targets:  opts.Targets,
		group:    flight.New[FetchResult[V]](),
		events:   newHub(),
	}

	// defaults
	e.now = opts.Now
	if e.now == nil {
		e.now = time.Now
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"ns": opts.Namespace})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	e.tracer = coalesce[trace.Tracer](opts.Tracer, otel.Tracer(tracerName))
	e.ttl = coalesce[time.Duration](opts.TTL, defaultTTL)
	e.requestTimeout = coalesce[time.Duration](opts.RequestTimeout, defaultRequestTimeout)
	e.maxCacheBytes = opts.MaxCacheBytes
	e.parallelism = coalesce[int](opts.BulkParallelism, defaultParallelism)
	e.putAttempts = coalesce[int](opts.PutAttempts, defaultPutAttempts)
	e.putRetryBackoff = coalesce[time.Duration](opts.PutRetryBackoff, defaultPutRetryBackoff)
	e.drainInterval = coalesce[time.Duration](opts.DrainInterval, defaultDrainInterval)
	e.drainBatch = coalesce[int](opts.DrainBatch, defaultDrainBatch)

	cache, err := revcache.New[V](revcache.Options[V]{
		Namespace: opts.Namespace,
		Provider:  opts.Provider,
		Codec:     opts.Codec,
		Now:       e.now,
	})
	if err != nil {
		return nil, err
	}
	e.cache = cache

	if opts.Memo != nil {
		e.memo = opts.Memo
	} else {
		ttl := coalesce[time.Duration](opts.MemoTTL, revmemo.DefaultTTL)
		e.memo = revmemo.NewLocal(ttl, ttl, e.now)
		e.ownMemo = true
	}

	store := opts.QueueStore
	if store == nil {
		if store, err = queue.NewKVStore(opts.Namespace, opts.Provider); err != nil {
			return nil, err
		}
	}
	e.queue, err = queue.New(queue.Options{
		Sync:          e.syncJob,
		IsFresh:       e.isFresh,
		Store:         store,
		MaxRetries:    opts.MaxRetries,
		InterJobDelay: opts.InterJobDelay,
		RetryBackoff:  opts.RetryBackoff,
		RetryMaxDelay: opts.RetryMaxDelay,
		Observer:      jobObserver{log: e.log, hooks: e.hooks},
		Now:           e.now,
	})
	if err != nil {
		return nil, err
	}

	if n, err := e.queue.Load(ctx); err != nil {
		e.log.Warn("restore jobs failed", Fields{"err": err})
	} else if n > 0 {
		e.log.Info("restored jobs", Fields{"count": n})
	}
	e.restoreBulkStatus(ctx)
	return e, nil
}

// FetchSmart returns key's payload, from cache when it is fresh and from the
// remote otherwise, preferring an incremental fetch over a full one.
// Concurrent calls for one key share a single sync. A caller whose ctx ends
// stops waiting; the sync itself runs on and still updates the cache.
func (e *Engine[V]) FetchSmart(ctx context.Context, key string, opts FetchOptions) (FetchResult[V], error) {
	var zero FetchResult[V]
	if key == "" {
		return zero, errors.New("modsync: empty key")
	}
	ctx, span := e.tracer.Start(ctx, "modsync.FetchSmart", trace.WithAttributes(
		attribute.String("modsync.namespace", e.ns),
		attribute.String("modsync.key", util.Redact(key)),
		attribute.Bool("modsync.force_refresh", opts.ForceRefresh),
		attribute.Bool("modsync.prefer_stale", opts.PreferStale),
	))
	defer span.End()

	res, shared, err := e.group.Do(ctx, key, func(ctx context.Context) (FetchResult[V], error) {
		return e.sync(ctx, key, opts)
	})
	span.SetAttributes(attribute.Bool("modsync.shared", shared))
	if shared && opts.OnProgress != nil {
		em := emitter{key: key, rep: opts.OnProgress, now: e.now}
		if err != nil {
			em.emit(StageError, 0, 0, err)
		} else {
			em.emit(StageComplete, 0, 0, nil)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	span.SetAttributes(
		attribute.Bool("modsync.was_cached", res.WasCached),
		attribute.Bool("modsync.was_incremental", res.WasIncremental),
	)
	return res, nil
}

// Subscribe opens a progress stream covering every key this engine syncs.
func (e *Engine[V]) Subscribe(buf int) *Subscription { return e.events.subscribe(buf) }

// ClearCache removes every cached entry and returns how many were removed.
func (e *Engine[V]) ClearCache(ctx context.Context) (int, error) {
	keys, err := e.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n, err := e.cache.Clear(ctx)
	for _, k := range keys {
		e.forgetRevision(ctx, k)
	}
	if err != nil {
		return n, err
	}
	e.log.Info("cache cleared", Fields{"entries": n})
	return n, nil
}

// Prune evicts oldest entries until the cache fits maxTotalBytes, keeping at
// least one entry.
func (e *Engine[V]) Prune(ctx context.Context, maxTotalBytes int64) (revcache.PruneResult, error) {
	res, err := e.cache.Prune(ctx, maxTotalBytes)
	if len(res.Evicted) > 0 {
		e.hooks.Pruned(len(res.Evicted), res.FreedBytes)
		e.log.Info("pruned cache", Fields{"evicted": len(res.Evicted), "freed_bytes": res.FreedBytes})
	}
	return res, err
}

// Close aborts in-flight syncs, ends progress streams and releases the
// default memo and the provider.
func (e *Engine[V]) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.group.Close()
		e.events.close()
		if e.ownMemo {
			_ = e.memo.Close(ctx)
		}
		err = e.provider.Close(ctx)
	})
	return err
}

// ==== sync state machine ====

type state uint8

const (
	stateChecking state = iota
	stateRevisionLookup
	stateIncremental
	stateFull
	stateSaving
	stateComplete
	stateError
)

func (s state) String() string {
	switch s {
	case stateChecking:
		return "checking"
	case stateRevisionLookup:
		return "revision_lookup"
	case stateIncremental:
		return "incremental"
	case stateFull:
		return "full"
	case stateSaving:
		return "saving"
	case stateComplete:
		return "complete"
	case stateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// syncRun is the working set of one key's sync.
type syncRun[V any] struct {
	key  string
	opts FetchOptions
	em   emitter

	cached    revcache.Entry[V]
	hasCached bool

	remoteRev   string
	remoteKnown bool // remote reported a revision

	payload     V
	sizeBytes   int64 // 0 => encoded length
	incremental bool

	result FetchResult[V]
	err    error
}

func (e *Engine[V]) sync(ctx context.Context, key string, opts FetchOptions) (FetchResult[V], error) {
	r := &syncRun[V]{
		key:  key,
		opts: opts,
		em:   emitter{key: key, rep: opts.OnProgress, hub: e.events, now: e.now},
	}
	st := stateChecking
	for st != stateComplete && st != stateError {
		st = e.step(ctx, r, st)
	}
	if st == stateError {
		r.em.emit(StageError, 0, 0, r.err)
		return FetchResult[V]{}, r.err
	}
	r.em.emit(StageComplete, 0, 0, nil)
	return r.result, nil
}

// step runs one state and returns the next.
func (e *Engine[V]) step(ctx context.Context, r *syncRun[V], st state) state {
	switch st {
	case stateChecking:
		return e.check(ctx, r)
	case stateRevisionLookup:
		return e.lookupRevision(ctx, r)
	case stateIncremental:
		return e.fetchIncremental(ctx, r)
	case stateFull:
		return e.fetchFull(ctx, r)
	case stateSaving:
		return e.save(ctx, r)
	default:
		return st
	}
}

func (e *Engine[V]) check(ctx context.Context, r *syncRun[V]) state {
	r.em.emit(StageChecking, 0, 0, nil)
	if r.opts.ForceRefresh {
		return stateRevisionLookup
	}
	ent, ok, err := e.cache.Get(ctx, r.key)
	if err != nil {
		e.log.Warn("cache read failed; treating as miss", Fields{"key": r.key, "err": err})
		e.hooks.StorageDegraded("get", err)
		return stateRevisionLookup
	}
	if !ok {
		return stateRevisionLookup
	}
	r.cached, r.hasCached = ent, true

	policy := revcache.FreshnessPolicy{TTL: e.ttl, AllowStale: r.opts.PreferStale}
	if policy.Fresh(ent.FetchedAt, e.now()) {
		r.result = FetchResult[V]{Payload: ent.Payload, WasCached: true, Revision: ent.Revision}
		e.hooks.CacheHit(r.key)
		return stateComplete
	}
	return stateRevisionLookup
}

func (e *Engine[V]) lookupRevision(ctx context.Context, r *syncRun[V]) state {
	// a stale entry is always checked against the remote's current token;
	// the memo only serves CacheStatus
	rev, err := e.resolveRevision(ctx, r.key, false)
	if err != nil {
		r.err = &SyncError{Key: r.key, Stage: "revision", Kind: remoteKind(err), Err: err}
		return stateError
	}
	r.remoteRev, r.remoteKnown = rev.Value, rev.Present

	if !r.hasCached {
		return stateFull
	}
	if r.remoteKnown && r.cached.Revision == r.remoteRev {
		touched, err := e.cache.Touch(ctx, r.key)
		if err != nil {
			e.log.Warn("cache touch failed", Fields{"key": r.key, "err": err})
			e.hooks.StorageDegraded("touch", err)
		} else if !touched {
			// entry vanished since Checking
			return stateFull
		}
		r.result = FetchResult[V]{Payload: r.cached.Payload, WasCached: true, Revision: r.cached.Revision}
		e.hooks.RevisionMatch(r.key)
		return stateComplete
	}
	if r.remoteKnown && r.cached.Revision != "" && !isSyntheticRevision(r.cached.Revision) {
		return stateIncremental
	}
	return stateFull
}

// resolveRevision consults the memo (when useMemo) and then the remote,
// remembering what the remote reported.
func (e *Engine[V]) resolveRevision(ctx context.Context, key string, useMemo bool) (revmemo.Revision, error) {
	if useMemo {
		rev, ok, err := e.memo.Lookup(ctx, key)
		if err != nil {
			e.log.Debug("revision memo lookup failed", Fields{"key": key, "err": err})
		} else if ok {
			return rev, nil
		}
	}
	cctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	v, ok, err := e.remote.GetRevision(cctx, key)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, e.requestTimeout, err)
		}
		return revmemo.Revision{}, err
	}
	rev := revmemo.Revision{Value: v, Present: ok && v != ""}
	e.rememberRevision(ctx, key, rev)
	return rev, nil
}

func (e *Engine[V]) fetchIncremental(ctx context.Context, r *syncRun[V]) state {
	r.em.emit(StageDownloading, 0, -1, nil)
	b, err := e.download(ctx, r, func(ctx context.Context) ([]byte, error) {
		return e.remote.FetchDelta(ctx, r.key, r.cached.Revision)
	})
	if err != nil {
		if ctx.Err() != nil {
			r.err = &SyncError{Key: r.key, Stage: "incremental", Kind: remoteKind(err), Err: err}
			return stateError
		}
		if errors.Is(err, ErrUnsupportedOperation) {
			e.log.Debug("incremental fetch unsupported", Fields{"key": r.key})
			e.hooks.IncrementalFallback(r.key, "unsupported")
		} else {
			e.log.Warn("incremental fetch failed; falling back to full", Fields{"key": r.key, "err": err})
			e.hooks.IncrementalFallback(r.key, "fetch_error")
		}
		return stateFull
	}

	r.em.emit(StageParsing, int64(len(b)), int64(len(b)), nil)
	var v V
	if dp, ok := e.parser.(DeltaParser[V]); ok {
		v, err = dp.ParseDelta(b, r.cached.Payload)
	} else {
		v, err = e.parser.Parse(b)
	}
	if err != nil {
		if errors.Is(err, ErrIncompleteBaseData) {
			e.log.Debug("delta needs records missing from base", Fields{"key": r.key, "err": err})
			e.hooks.IncrementalFallback(r.key, "incomplete_base")
		} else {
			e.log.Warn("delta parse failed; falling back to full", Fields{"key": r.key, "err": err})
			e.hooks.IncrementalFallback(r.key, "parse_error")
		}
		return stateFull
	}
	r.payload, r.sizeBytes, r.incremental = v, 0, true
	return stateSaving
}

func (e *Engine[V]) fetchFull(ctx context.Context, r *syncRun[V]) state {
	r.em.emit(StageDownloading, 0, -1, nil)
	b, err := e.download(ctx, r, func(ctx context.Context) ([]byte, error) {
		return e.remote.FetchFull(ctx, r.key)
	})
	if err != nil {
		kind := remoteKind(err)
		if kind == ErrUnsupportedOperation {
			kind = ErrNetworkFailure
		}
		r.err = &SyncError{Key: r.key, Stage: "full", Kind: kind, Err: err}
		return stateError
	}

	r.em.emit(StageParsing, int64(len(b)), int64(len(b)), nil)
	v, err := e.parser.Parse(b)
	if err != nil {
		r.err = &SyncError{Key: r.key, Stage: "parse", Kind: ErrParseFailure, Err: err}
		return stateError
	}
	r.payload, r.sizeBytes, r.incremental = v, int64(len(b)), false
	return stateSaving
}

// download runs fn under the request timeout, relaying byte counters.
func (e *Engine[V]) download(ctx context.Context, r *syncRun[V], fn func(context.Context) ([]byte, error)) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	cctx = WithByteProgress(cctx, func(loaded, total int64) {
		r.em.emit(StageDownloading, loaded, total, nil)
	})
	b, err := fn(cctx)
	if err == nil {
		return b, nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, e.requestTimeout, err)
	}
	return nil, err
}

func (e *Engine[V]) save(ctx context.Context, r *syncRun[V]) state {
	r.em.emit(StageSaving, 0, 0, nil)
	rev := r.remoteRev
	if !r.remoteKnown {
		rev = syntheticRevision(e.now())
	}
	if err := e.put(ctx, r.key, r.payload, rev, r.sizeBytes); err != nil {
		r.err = &SyncError{Key: r.key, Stage: "save", Kind: ErrStorageUnavailable, Err: err}
		return stateError
	}
	if r.remoteKnown {
		e.rememberRevision(ctx, r.key, revmemo.Revision{Value: rev, Present: true})
	} else {
		e.forgetRevision(ctx, r.key)
	}
	r.result = FetchResult[V]{Payload: r.payload, WasIncremental: r.incremental, Revision: rev}
	return stateComplete
}

func (e *Engine[V]) rememberRevision(ctx context.Context, key string, rev revmemo.Revision) {
	if err := e.memo.Remember(ctx, key, rev); err != nil {
		e.log.Debug("revision memo write failed", Fields{"key": key, "err": err})
	}
}

func (e *Engine[V]) forgetRevision(ctx context.Context, key string) {
	if err := e.memo.Forget(ctx, key); err != nil {
		e.log.Debug("revision memo forget failed", Fields{"key": key, "err": err})
	}
}

// put writes through the cache, retrying storage failures with backoff.
// Encoding failures are not retried.
func (e *Engine[V]) put(ctx context.Context, key string, v V, rev string, size int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.putRetryBackoff
	b.MaxInterval = 10 * e.putRetryBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.cache.Put(ctx, key, v, rev, size)
		if err != nil && !revcache.IsStorageUnavailable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.putAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			e.log.Warn("cache write failed; retrying", Fields{"key": key, "err": err, "retry_in": d})
		}),
	)
	return err
}

func (e *Engine[V]) isFresh(ctx context.Context, key string) bool {
	return e.cache.IsFresh(ctx, key, revcache.FreshnessPolicy{TTL: e.ttl})
}

const syntheticPrefix = "unknown-"

// syntheticRevision stands in when the remote reports no revision; it never
// matches a remote token and never seeds a delta request.
func syntheticRevision(now time.Time) string {
	return syntheticPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

func isSyntheticRevision(rev string) bool {
	return strings.HasPrefix(rev, syntheticPrefix)
}
