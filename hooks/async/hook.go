// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/modsync"
//	"github.com/unkn0wn-root/modsync/codec"
//	"github.com/unkn0wn-root/modsync/hooks/async"
//	"github.com/unkn0wn-root/modsync/moderation"
//	"github.com/unkn0wn-root/modsync/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    HitEvery:   100, // sample logs: ~every 100th cache hit
//	    MatchEvery: 10,
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	eng, _ := modsync.New[moderation.Relationships](ctx, modsync.Options[moderation.Relationships]{
//	    Namespace: "blocks",
//	    Provider:  provider,
//	    Codec:     codec.MustCBOR[moderation.Relationships](true), // zero CBOR{} has no modes
//	    Remote:    remote,
//	    Parser:    moderation.Parser{},
//	    Hooks:     hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/modsync"
)

type Hooks struct {
	inner   modsync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ modsync.Hooks = (*Hooks)(nil)

func New(inner modsync.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events reported after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full
// or the sink was closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHit(k string)      { h.try(func() { h.inner.CacheHit(k) }) }
func (h *Hooks) RevisionMatch(k string) { h.try(func() { h.inner.RevisionMatch(k) }) }
func (h *Hooks) IncrementalFallback(k, reason string) {
	h.try(func() { h.inner.IncrementalFallback(k, reason) })
}
func (h *Hooks) StorageDegraded(op string, err error) {
	h.try(func() { h.inner.StorageDegraded(op, err) })
}
func (h *Hooks) JobRetried(k string, attempt int, err error) {
	h.try(func() { h.inner.JobRetried(k, attempt, err) })
}
func (h *Hooks) JobFailed(k string, attempts int, err error) {
	h.try(func() { h.inner.JobFailed(k, attempts, err) })
}
func (h *Hooks) Pruned(evicted int, freed int64) { h.try(func() { h.inner.Pruned(evicted, freed) }) }
func (h *Hooks) BulkRunFinished(total, failed int, elapsed time.Duration) {
	h.try(func() { h.inner.BulkRunFinished(total, failed, elapsed) })
}
