package modsync

import "context"

// Remote is the versioned source of truth. Implementations should honor ctx
// cancellation: the engine bounds every call with its request timeout.
type Remote interface {
	// GetRevision returns the current revision token for key. ok=false means
	// the source has no versioning for key.
	GetRevision(ctx context.Context, key string) (rev string, ok bool, err error)

	// FetchFull returns the complete payload for key.
	FetchFull(ctx context.Context, key string) ([]byte, error)

	// FetchDelta returns changes since the given revision. Sources without
	// incremental support return ErrUnsupportedOperation.
	FetchDelta(ctx context.Context, key, since string) ([]byte, error)
}

// Parser turns raw payload bytes into domain records.
type Parser[V any] interface {
	Parse(b []byte) (V, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc[V any] func(b []byte) (V, error)

func (f ParserFunc[V]) Parse(b []byte) (V, error) { return f(b) }

// DeltaParser is implemented by parsers that can apply a delta payload to a
// previously cached base. A delta that references records missing from base
// must fail with an error wrapping ErrIncompleteBaseData.
//
// Parsers without it get incremental payloads through Parse.
type DeltaParser[V any] interface {
	Parser[V]
	ParseDelta(delta []byte, base V) (V, error)
}

// TargetLister enumerates the keys of a bulk run one page at a time.
// An empty next cursor ends the listing.
type TargetLister interface {
	ListTargets(ctx context.Context, cursor string) (targets []string, next string, err error)
}

// TargetListerFunc adapts a function to TargetLister.
type TargetListerFunc func(ctx context.Context, cursor string) ([]string, string, error)

func (f TargetListerFunc) ListTargets(ctx context.Context, cursor string) ([]string, string, error) {
	return f(ctx, cursor)
}
