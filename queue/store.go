package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/unkn0wn-root/modsync/codec"
	"github.com/unkn0wn-root/modsync/internal/util"
	pr "github.com/unkn0wn-root/modsync/provider"
)

// Store persists job records so a queue survives restarts.
type Store interface {
	LoadJobs(ctx context.Context) ([]Job, error)
	SaveJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, key string) error
}

// KVStore keeps one record per job under "job:<ns>:<key>" plus a key index
// under "jobs:<ns>:index", all msgpack-encoded.
type KVStore struct {
	ns string
	p  pr.Provider

	jobCodec codec.Msgpack[Job]
	idxCodec codec.Msgpack[jobIndex]

	mu   sync.Mutex
	keys []string // sorted; nil until loaded
}

type jobIndex struct {
	Keys []string `msgpack:"k"`
}

var _ Store = (*KVStore)(nil)

func NewKVStore(ns string, p pr.Provider) (*KVStore, error) {
	if ns == "" {
		return nil, errors.New("queue: namespace is required")
	}
	if p == nil {
		return nil, errors.New("queue: provider is required")
	}
	return &KVStore{ns: ns, p: p}, nil
}

func (s *KVStore) LoadJobs(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadIndexLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(s.keys))
	for _, k := range s.keys {
		raw, ok, err := s.p.Get(ctx, s.jobKey(k))
		if err != nil {
			return nil, fmt.Errorf("queue: load job %q: %w", k, err)
		}
		if !ok {
			continue
		}
		j, err := s.jobCodec.Decode(raw)
		if err != nil {
			// unreadable record; the next SaveJob for the key replaces it
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *KVStore) SaveJob(ctx context.Context, j Job) error {
	b, err := s.jobCodec.Encode(j)
	if err != nil {
		return fmt.Errorf("queue: encode job %q: %w", j.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadIndexLocked(ctx); err != nil {
		return err
	}
	if err := s.p.Set(ctx, s.jobKey(j.Key), b); err != nil {
		return fmt.Errorf("queue: save job %q: %w", j.Key, err)
	}
	i, found := slices.BinarySearch(s.keys, j.Key)
	if found {
		return nil
	}
	s.keys = slices.Insert(s.keys, i, j.Key)
	return s.persistIndexLocked(ctx)
}

func (s *KVStore) DeleteJob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadIndexLocked(ctx); err != nil {
		return err
	}
	if err := s.p.Del(ctx, s.jobKey(key)); err != nil {
		return fmt.Errorf("queue: delete job %q: %w", key, err)
	}
	i, found := slices.BinarySearch(s.keys, key)
	if !found {
		return nil
	}
	s.keys = slices.Delete(s.keys, i, i+1)
	return s.persistIndexLocked(ctx)
}

func (s *KVStore) loadIndexLocked(ctx context.Context) error {
	if s.keys != nil {
		return nil
	}
	raw, ok, err := s.p.Get(ctx, s.indexKey())
	if err != nil {
		return fmt.Errorf("queue: load index: %w", err)
	}
	s.keys = []string{}
	if !ok {
		return nil
	}
	idx, err := s.idxCodec.Decode(raw)
	if err != nil {
		return nil
	}
	s.keys = append(s.keys, idx.Keys...)
	slices.Sort(s.keys)
	s.keys = slices.Compact(s.keys)
	return nil
}

func (s *KVStore) persistIndexLocked(ctx context.Context) error {
	b, err := s.idxCodec.Encode(jobIndex{Keys: s.keys})
	if err != nil {
		return fmt.Errorf("queue: encode index: %w", err)
	}
	if err := s.p.Set(ctx, s.indexKey(), b); err != nil {
		return fmt.Errorf("queue: save index: %w", err)
	}
	return nil
}

func (s *KVStore) jobKey(key string) string { return util.StorageKey("job", s.ns, key) }
func (s *KVStore) indexKey() string         { return util.StorageKey("jobs", s.ns, "index") }
