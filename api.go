package modsync

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	c "github.com/unkn0wn-root/modsync/codec"
	pr "github.com/unkn0wn-root/modsync/provider"
	"github.com/unkn0wn-root/modsync/queue"
	"github.com/unkn0wn-root/modsync/revmemo"
)

// FetchOptions tune a single FetchSmart call.
type FetchOptions struct {
	// ForceRefresh ignores the cached entry.
	ForceRefresh bool

	// PreferStale serves any cached entry regardless of age.
	PreferStale bool

	// OnProgress receives this key's events. When the call joins a sync
	// already in flight, only the terminal event is delivered.
	OnProgress Reporter
}

// FetchResult is the outcome of FetchSmart. Callers joining the same
// in-flight sync share one result.
type FetchResult[V any] struct {
	Payload        V
	WasCached      bool
	WasIncremental bool
	Revision       string
}

// CacheStatus is a non-mutating view of one key.
type CacheStatus struct {
	HasCached      bool
	IsStale        bool
	CachedRevision string
	RemoteRevision string // empty when the remote reports none
	FetchedAt      time.Time
	SizeBytes      int64
}

// Options configure an Engine.
// Namespace, Provider, Codec, Remote and Parser are required; others have
// sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace for all persisted records. e.g. "blocks", "mutes"
	Provider  pr.Provider
	Codec     c.Codec[V]
	Remote    Remote
	Parser    Parser[V]

	Targets TargetLister // required by StartBulkSync only
	Logger  Logger       // if nil, NopLogger is used
	Hooks   Hooks        // if nil, NopHooks is used
	Tracer  trace.Tracer // if nil, the global otel tracer provider is used

	TTL             time.Duration // age under which an entry is fresh; 0 => 24h
	RequestTimeout  time.Duration // per remote call; 0 => 30s
	MaxCacheBytes   int64         // prune budget after bulk runs; 0 disables
	BulkParallelism int           // concurrent targets in a bulk run; 0 => 1
	PutAttempts     int           // cache write attempts before surfacing; 0 => 3
	PutRetryBackoff time.Duration // first delay between write attempts; 0 => 50ms

	Memo    revmemo.Memo  // nil => revmemo.Local owned by the engine
	MemoTTL time.Duration // for the default memo; 0 => 30s

	QueueStore    queue.Store   // nil => queue.KVStore over Provider
	MaxRetries    int           // failed job attempts requeued; 0 => 3
	InterJobDelay time.Duration // between remote calls in a drain; 0 => 500ms, <0 disables
	RetryBackoff  time.Duration // first job retry delay; 0 => 1s, <0 disables
	RetryMaxDelay time.Duration // 0 => 1m
	DrainInterval time.Duration // Run tick; 0 => 30s
	DrainBatch    int           // jobs per tick; 0 => 10

	Now func() time.Time // nil => time.Now
}
