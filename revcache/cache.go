package revcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	c "github.com/unkn0wn-root/modsync/codec"
	"github.com/unkn0wn-root/modsync/internal/util"
	"github.com/unkn0wn-root/modsync/internal/wire"
	pr "github.com/unkn0wn-root/modsync/provider"
)

// Options configure a Cache. Namespace, Provider and Codec are required.
type Options[V any] struct {
	Namespace string
	Provider  pr.Provider
	Codec     c.Codec[V]
	Now       func() time.Time // nil => time.Now
}

type Cache[V any] struct {
	ns       string
	provider pr.Provider
	codec    c.Codec[V]
	idxCodec c.Msgpack[indexRecord]
	now      func() time.Time

	mu    sync.Mutex
	index map[string]meta // nil until loaded
}

func New[V any](opts Options[V]) (*Cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("revcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("revcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("revcache: namespace is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		now:      now,
	}, nil
}

// Get returns the entry for key. Corrupt records and index rows whose record
// disappeared are dropped and reported as a miss.
func (c *Cache[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	var zero Entry[V]
	k := c.entryKey(key)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		return zero, false, storageErr("get", key, err)
	}
	if !ok {
		c.forget(ctx, key)
		return zero, false, nil
	}
	h, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		c.drop(ctx, key) // self-heal corrupt
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.drop(ctx, key)
		return zero, false, nil
	}
	return Entry[V]{
		Key:       key,
		Payload:   v,
		Revision:  h.Revision,
		FetchedAt: time.UnixMilli(h.FetchedAt),
		SizeBytes: h.SizeBytes,
	}, true, nil
}

// Stat returns index metadata for key without touching the payload.
func (c *Cache[V]) Stat(ctx context.Context, key string) (Stat, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return Stat{}, false, err
	}
	m, ok := c.index[key]
	if !ok {
		return Stat{}, false, nil
	}
	return m.stat(key), true, nil
}

// IsFresh reports whether key has an entry that is fresh under policy.
// Absent entries and storage failures both report false.
func (c *Cache[V]) IsFresh(ctx context.Context, key string, policy FreshnessPolicy) bool {
	st, ok, err := c.Stat(ctx, key)
	if err != nil || !ok {
		return false
	}
	return policy.Fresh(st.FetchedAt, c.now())
}

// Put overwrites the entry for key and stamps it with the current time.
// sizeBytes <= 0 records the encoded payload length instead.
func (c *Cache[V]) Put(ctx context.Context, key string, payload V, revision string, sizeBytes int64) error {
	enc, err := c.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("revcache: encode %q: %w", key, err)
	}
	if sizeBytes <= 0 {
		sizeBytes = int64(len(enc))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return err
	}
	m := meta{
		FetchedAt: c.stampLocked(key),
		Size:      sizeBytes,
		Revision:  revision,
	}
	frame, err := wire.EncodeEntry(wire.Header{FetchedAt: m.FetchedAt, SizeBytes: m.Size, Revision: m.Revision}, enc)
	if err != nil {
		return fmt.Errorf("revcache: frame %q: %w", key, err)
	}
	if err := c.provider.Set(ctx, c.entryKey(key), frame); err != nil {
		return storageErr("put", key, err)
	}
	c.index[key] = m
	return c.persistIndexLocked(ctx)
}

// Touch refreshes FetchedAt of an existing entry without re-encoding it.
// It reports false when there is nothing to touch.
func (c *Cache[V]) Touch(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return false, err
	}
	k := c.entryKey(key)
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		return false, storageErr("touch", key, err)
	}
	if !ok {
		if _, indexed := c.index[key]; indexed {
			delete(c.index, key)
			_ = c.persistIndexLocked(ctx)
		}
		return false, nil
	}
	at := c.stampLocked(key)
	frame, err := wire.WithFetchedAt(raw, at)
	if err != nil {
		_ = c.provider.Del(ctx, k)
		delete(c.index, key)
		_ = c.persistIndexLocked(ctx)
		return false, nil
	}
	if err := c.provider.Set(ctx, k, frame); err != nil {
		return false, storageErr("touch", key, err)
	}
	h, _, _ := wire.DecodeEntry(frame)
	c.index[key] = meta{FetchedAt: h.FetchedAt, Size: h.SizeBytes, Revision: h.Revision}
	return true, c.persistIndexLocked(ctx)
}

// TotalSizeBytes sums SizeBytes over all entries.
func (c *Cache[V]) TotalSizeBytes(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return 0, err
	}
	return c.totalLocked(), nil
}

// Len returns the number of entries.
func (c *Cache[V]) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return 0, err
	}
	return len(c.index), nil
}

// Keys returns all cached keys in ascending order.
func (c *Cache[V]) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// RemoveOldest evicts the n entries with the smallest FetchedAt (ties broken
// by key) and returns their keys, oldest first.
func (c *Cache[V]) RemoveOldest(ctx context.Context, n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return nil, err
	}
	removed, _, err := c.evictLocked(ctx, n)
	if perr := c.persistIndexLocked(ctx); err == nil {
		err = perr
	}
	return removed, err
}

// Clear removes every entry and the index. It returns how many entries were removed.
func (c *Cache[V]) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return 0, err
	}
	n := 0
	for key := range c.index {
		if err := c.provider.Del(ctx, c.entryKey(key)); err != nil {
			_ = c.persistIndexLocked(ctx)
			return n, storageErr("clear", key, err)
		}
		delete(c.index, key)
		n++
	}
	if err := c.provider.Del(ctx, c.indexKey()); err != nil {
		return n, storageErr("clear", "", err)
	}
	return n, nil
}

// stampLocked returns now in unix ms, never earlier than the key's previous stamp.
func (c *Cache[V]) stampLocked(key string) int64 {
	at := c.now().UnixMilli()
	if prev, ok := c.index[key]; ok && prev.FetchedAt > at {
		at = prev.FetchedAt
	}
	return at
}

func (c *Cache[V]) totalLocked() int64 {
	var total int64
	for _, m := range c.index {
		total += m.Size
	}
	return total
}

// evictLocked removes up to n oldest entries. The caller persists the index.
func (c *Cache[V]) evictLocked(ctx context.Context, n int) ([]string, int64, error) {
	if n <= 0 || len(c.index) == 0 {
		return nil, 0, nil
	}
	stats := make([]Stat, 0, len(c.index))
	for k, m := range c.index {
		stats = append(stats, m.stat(k))
	}
	sort.Slice(stats, func(i, j int) bool {
		if !stats[i].FetchedAt.Equal(stats[j].FetchedAt) {
			return stats[i].FetchedAt.Before(stats[j].FetchedAt)
		}
		return stats[i].Key < stats[j].Key
	})
	if n > len(stats) {
		n = len(stats)
	}
	removed := make([]string, 0, n)
	var freed int64
	for _, st := range stats[:n] {
		if err := c.provider.Del(ctx, c.entryKey(st.Key)); err != nil {
			return removed, freed, storageErr("evict", st.Key, err)
		}
		delete(c.index, st.Key)
		removed = append(removed, st.Key)
		freed += st.SizeBytes
	}
	return removed, freed, nil
}

func (c *Cache[V]) loadIndexLocked(ctx context.Context) error {
	if c.index != nil {
		return nil
	}
	raw, ok, err := c.provider.Get(ctx, c.indexKey())
	if err != nil {
		return storageErr("index", "", err)
	}
	if !ok {
		c.index = make(map[string]meta)
		return nil
	}
	rec, err := c.idxCodec.Decode(raw)
	if err != nil || rec.Entries == nil {
		// unreadable index: start over; orphaned records are overwritten on next Put
		c.index = make(map[string]meta)
		return nil
	}
	c.index = rec.Entries
	return nil
}

func (c *Cache[V]) persistIndexLocked(ctx context.Context) error {
	b, err := c.idxCodec.Encode(indexRecord{Entries: c.index})
	if err != nil {
		return fmt.Errorf("revcache: encode index: %w", err)
	}
	if err := c.provider.Set(ctx, c.indexKey(), b); err != nil {
		return storageErr("index", "", err)
	}
	return nil
}

// forget drops an index row whose record is gone (e.g. evicted by the provider).
func (c *Cache[V]) forget(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		return
	}
	if _, ok := c.index[key]; ok {
		delete(c.index, key)
		_ = c.persistIndexLocked(ctx)
	}
}

// drop deletes an unreadable record and its index row.
func (c *Cache[V]) drop(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.provider.Del(ctx, c.entryKey(key))
	if c.index == nil {
		return
	}
	delete(c.index, key)
	_ = c.persistIndexLocked(ctx)
}

func (c *Cache[V]) entryKey(key string) string { return util.StorageKey("entry", c.ns, key) }
func (c *Cache[V]) indexKey() string           { return util.StorageKey("index", c.ns, "entries") }

// IsStorageUnavailable reports whether err came from the storage layer.
func IsStorageUnavailable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
