package revmemo

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	rev       Revision
	expiresAt time.Time
}

// Local keeps resolved revisions in-process.
// Optional cleanup loop to prune expired entries.
type Local struct {
	mu     sync.RWMutex
	revs   map[string]localEntry
	ttl    time.Duration
	now    func() time.Time
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Memo = (*Local)(nil)

// NewLocal returns a memo trusting entries for ttl (<= 0 => DefaultTTL).
// cleanupInterval > 0 starts a background pruning loop; now may be nil.
func NewLocal(ttl, cleanupInterval time.Duration, now func() time.Time) *Local {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	s := &Local{revs: make(map[string]localEntry), ttl: ttl, now: now}
	if cleanupInterval > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Lookup(_ context.Context, key string) (Revision, bool, error) {
	s.mu.RLock()
	e, ok := s.revs[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return Revision{}, false, nil
	}
	return e.rev, true, nil
}

func (s *Local) Remember(_ context.Context, key string, rev Revision) error {
	exp := s.now().Add(s.ttl)
	s.mu.Lock()
	s.revs[key] = localEntry{rev: rev, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *Local) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.revs, key)
	s.mu.Unlock()
	return nil
}

func (s *Local) Cleanup() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.revs {
		if !now.Before(e.expiresAt) {
			delete(s.revs, k)
		}
	}
	s.mu.Unlock()
}

// Len reports how many entries are held, expired ones included.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revs)
}

func (s *Local) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
		s.stopCh = nil
	}
	return nil
}
