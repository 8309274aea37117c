package revmemo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares resolved revisions across processes. Keys expire on their own
// via SET ... EX, so Cleanup has nothing to do.
type Redis struct {
	rdb redis.UniversalClient
	ns  string // logical namespace; should match the engine's
	ttl time.Duration
}

var _ Memo = (*Redis)(nil)

// NewRedis creates a Redis-backed memo. ttl <= 0 => DefaultTTL.
func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(k string) string { return "rev:" + s.ns + ":" + k }

// Values are "+<revision>" when the remote reported one, "-" when it did not.
func (s *Redis) Lookup(ctx context.Context, key string) (Revision, bool, error) {
	res, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, err
	}
	switch {
	case res == "-":
		return Revision{}, true, nil
	case strings.HasPrefix(res, "+"):
		return Revision{Value: res[1:], Present: true}, true, nil
	default:
		return Revision{}, false, fmt.Errorf("revmemo: malformed value at %s", s.key(key))
	}
}

func (s *Redis) Remember(ctx context.Context, key string, rev Revision) error {
	v := "-"
	if rev.Present {
		v = "+" + rev.Value
	}
	return s.rdb.Set(ctx, s.key(key), v, s.ttl).Err()
}

func (s *Redis) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *Redis) Cleanup() {}

// Close closes the underlying Redis client.
func (s *Redis) Close(context.Context) error { return s.rdb.Close() }
