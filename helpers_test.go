package modsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/modsync/codec"
	pr "github.com/unkn0wn-root/modsync/provider"
)

// ==============================
// Provider
// ==============================

type memProvider struct {
	mu       sync.Mutex
	m        map[string][]byte
	failGet  map[string]error // by key prefix
	failSet  map[string]error // by key prefix
	setCalls map[string]int   // by key prefix of failSet
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider {
	return &memProvider{
		m:        make(map[string][]byte),
		failGet:  make(map[string]error),
		failSet:  make(map[string]error),
		setCalls: make(map[string]int),
	}
}

func matchPrefix(m map[string]error, key string) (string, error) {
	for p, err := range m {
		if strings.HasPrefix(key, p) {
			return p, err
		}
	}
	return "", nil
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := matchPrefix(p.failGet, key); err != nil {
		return nil, false, err
	}
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prefix, err := matchPrefix(p.failSet, key); err != nil {
		p.setCalls[prefix]++
		return err
	}
	p.m[key] = append([]byte(nil), value...)
	return nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) failGets(prefix string, err error) {
	p.mu.Lock()
	p.failGet[prefix] = err
	p.mu.Unlock()
}

func (p *memProvider) failSets(prefix string, err error) {
	p.mu.Lock()
	p.failSet[prefix] = err
	p.mu.Unlock()
}

// ==============================
// Domain payload and parser
// ==============================

type record struct {
	X     int      `json:"x"`
	Items []string `json:"items,omitempty"`
}

type delta struct {
	Add []string `json:"add,omitempty"`
	Del []string `json:"del,omitempty"`
}

// recordParser parses JSON records and applies JSON deltas.
type recordParser struct{}

var _ DeltaParser[record] = recordParser{}

func (recordParser) Parse(b []byte) (record, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return record{}, err
	}
	return r, nil
}

func (recordParser) ParseDelta(b []byte, base record) (record, error) {
	var d delta
	if err := json.Unmarshal(b, &d); err != nil {
		return record{}, err
	}
	out := record{X: base.X, Items: slices.Clone(base.Items)}
	for _, del := range d.Del {
		i := slices.Index(out.Items, del)
		if i < 0 {
			return record{}, fmt.Errorf("delete %q: %w", del, ErrIncompleteBaseData)
		}
		out.Items = slices.Delete(out.Items, i, i+1)
	}
	out.Items = append(out.Items, d.Add...)
	return out, nil
}

// ==============================
// Remote
// ==============================

type fakeRemote struct {
	mu       sync.Mutex
	revs     map[string]string // missing => no versioning
	full     map[string][]byte
	deltas   map[string][]byte // key + "@" + since
	revErr   map[string]error
	fullErr  map[string]error
	deltaErr map[string]error

	revCalls   map[string]int
	fullCalls  map[string]int
	deltaCalls map[string]int

	gate        chan struct{} // non-nil => FetchFull waits for close (or ctx)
	inFull      int
	maxInFull   int
	fullStarted chan string
}

var _ Remote = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		revs:       map[string]string{},
		full:       map[string][]byte{},
		deltas:     map[string][]byte{},
		revErr:     map[string]error{},
		fullErr:    map[string]error{},
		deltaErr:   map[string]error{},
		revCalls:   map[string]int{},
		fullCalls:  map[string]int{},
		deltaCalls: map[string]int{},
	}
}

func (r *fakeRemote) set(key, rev, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev == "" {
		delete(r.revs, key)
	} else {
		r.revs[key] = rev
	}
	r.full[key] = []byte(body)
}

func (r *fakeRemote) setDelta(key, since, body string) {
	r.mu.Lock()
	r.deltas[key+"@"+since] = []byte(body)
	r.mu.Unlock()
}

func (r *fakeRemote) GetRevision(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	r.revCalls[key]++
	rev, ok := r.revs[key]
	err := r.revErr[key]
	r.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return rev, ok, ctx.Err()
}

func (r *fakeRemote) FetchFull(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	r.fullCalls[key]++
	r.inFull++
	r.maxInFull = max(r.maxInFull, r.inFull)
	gate, started := r.gate, r.fullStarted
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFull--
		r.mu.Unlock()
	}()

	if started != nil {
		started <- key
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	b, err := r.full[key], r.fullErr[key]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ReportBytes(ctx, int64(len(b)), int64(len(b)))
	return b, nil
}

func (r *fakeRemote) FetchDelta(ctx context.Context, key, since string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltaCalls[key]++
	if err := r.deltaErr[key]; err != nil {
		return nil, err
	}
	b, ok := r.deltas[key+"@"+since]
	if !ok {
		return nil, ErrUnsupportedOperation
	}
	return b, ctx.Err()
}

func (r *fakeRemote) calls(key string) (rev, full, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revCalls[key], r.fullCalls[key], r.deltaCalls[key]
}

// ==============================
// Clock and hooks
// ==============================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1_700_000_000_000)} }

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type recHooks struct {
	NopHooks
	mu        sync.Mutex
	hits      []string
	matches   []string
	fallbacks []string // key:reason
	degraded  []string
	retried   []string
	failed    []string
	pruned    int
	bulkRuns  int
}

func (h *recHooks) CacheHit(k string) {
	h.mu.Lock()
	h.hits = append(h.hits, k)
	h.mu.Unlock()
}

func (h *recHooks) RevisionMatch(k string) {
	h.mu.Lock()
	h.matches = append(h.matches, k)
	h.mu.Unlock()
}

func (h *recHooks) IncrementalFallback(k, reason string) {
	h.mu.Lock()
	h.fallbacks = append(h.fallbacks, k+":"+reason)
	h.mu.Unlock()
}

func (h *recHooks) StorageDegraded(op string, _ error) {
	h.mu.Lock()
	h.degraded = append(h.degraded, op)
	h.mu.Unlock()
}

func (h *recHooks) JobRetried(k string, _ int, _ error) {
	h.mu.Lock()
	h.retried = append(h.retried, k)
	h.mu.Unlock()
}

func (h *recHooks) JobFailed(k string, _ int, _ error) {
	h.mu.Lock()
	h.failed = append(h.failed, k)
	h.mu.Unlock()
}

func (h *recHooks) Pruned(n int, _ int64) {
	h.mu.Lock()
	h.pruned += n
	h.mu.Unlock()
}

func (h *recHooks) BulkRunFinished(int, int, time.Duration) {
	h.mu.Lock()
	h.bulkRuns++
	h.mu.Unlock()
}

// ==============================
// Engine
// ==============================

type harness struct {
	eng    *Engine[record]
	mp     *memProvider
	remote *fakeRemote
	clk    *fakeClock
	hooks  *recHooks
}

func newHarness(t *testing.T, mutate func(*Options[record])) *harness {
	t.Helper()
	h := &harness{
		mp:     newMemProvider(),
		remote: newFakeRemote(),
		clk:    newClock(),
		hooks:  &recHooks{},
	}
	h.eng = h.open(t, mutate)
	return h
}

// open builds another engine over the harness's provider and remote.
func (h *harness) open(t *testing.T, mutate func(*Options[record])) *Engine[record] {
	t.Helper()
	opts := Options[record]{
		Namespace:     "blocks",
		Provider:      h.mp,
		Codec:         c.JSON[record]{},
		Remote:        h.remote,
		Parser:        recordParser{},
		Hooks:         h.hooks,
		TTL:           time.Minute,
		InterJobDelay: -1,
		RetryBackoff:  -1,
		Now:           h.clk.now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New[record](context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func mustFetch(t *testing.T, e *Engine[record], key string, opts FetchOptions) FetchResult[record] {
	t.Helper()
	res, err := e.FetchSmart(context.Background(), key, opts)
	if err != nil {
		t.Fatalf("FetchSmart(%s): %v", key, err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var errNet = errors.New("connection reset by peer")
