package httpremote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/unkn0wn-root/modsync"
)

type fakeService struct {
	mu       sync.Mutex
	revs     map[string]string
	full     map[string][]byte
	deltas   map[string][]byte
	pages    map[string]targetPage
	auth     []string
	noDeltas bool
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if r.URL.Path == "/v1/targets" {
		p, ok := f.pages[r.URL.Query().Get("cursor")]
		if !ok {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		b, _ := cbor.Marshal(p)
		_, _ = w.Write(b)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/records/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if key, ok := strings.CutSuffix(rest, "/revision"); ok {
		rev, ok := f.revs[key]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(rev + "\n"))
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if f.noDeltas {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		d, ok := f.deltas[rest+"@"+since]
		if !ok {
			w.WriteHeader(http.StatusGone)
			return
		}
		_, _ = w.Write(d)
		return
	}
	b, ok := f.full[rest]
	if !ok {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

func newClient(t *testing.T, f *fakeService, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	opts := Options{BaseURL: srv.URL + "/v1/", Header: http.Header{"Authorization": {"Bearer t"}}}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ==============================
// Records
// ==============================

func TestRevisionAndFetch(t *testing.T) {
	f := &fakeService{
		revs:   map[string]string{"did:plc:1": "r7"},
		full:   map[string][]byte{"did:plc:1": []byte("snapshot")},
		deltas: map[string][]byte{"did:plc:1@r6": []byte("delta")},
	}
	c := newClient(t, f, nil)
	ctx := context.Background()

	rev, ok, err := c.GetRevision(ctx, "did:plc:1")
	if err != nil || !ok || rev != "r7" {
		t.Fatalf("rev=%q ok=%v err=%v", rev, ok, err)
	}
	if _, ok, err := c.GetRevision(ctx, "did:plc:2"); err != nil || ok {
		t.Fatalf("unversioned: ok=%v err=%v", ok, err)
	}

	b, err := c.FetchFull(ctx, "did:plc:1")
	if err != nil || string(b) != "snapshot" {
		t.Fatalf("full=%q err=%v", b, err)
	}
	d, err := c.FetchDelta(ctx, "did:plc:1", "r6")
	if err != nil || string(d) != "delta" {
		t.Fatalf("delta=%q err=%v", d, err)
	}

	for _, a := range f.auth {
		if a != "Bearer t" {
			t.Fatalf("auth header=%q", a)
		}
	}
}

func TestDeltaUnsupported(t *testing.T) {
	f := &fakeService{noDeltas: true}
	c := newClient(t, f, nil)
	_, err := c.FetchDelta(context.Background(), "did:plc:1", "r1")
	if !errors.Is(err, modsync.ErrUnsupportedOperation) {
		t.Fatalf("err=%v", err)
	}

	f.mu.Lock()
	f.noDeltas = false
	f.mu.Unlock()
	_, err = c.FetchDelta(context.Background(), "did:plc:1", "r-too-old")
	if !errors.Is(err, modsync.ErrUnsupportedOperation) {
		t.Fatalf("gone: err=%v", err)
	}
}

func TestServerErrorIsStatusError(t *testing.T) {
	c := newClient(t, &fakeService{}, nil)
	_, err := c.FetchFull(context.Background(), "missing")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err=%v", err)
	}
	if errors.Is(err, modsync.ErrUnsupportedOperation) {
		t.Fatalf("5xx must not read as unsupported")
	}
}

func TestBodyLimitAndProgress(t *testing.T) {
	body := []byte(strings.Repeat("x", 100<<10))
	f := &fakeService{full: map[string][]byte{"big": body}}

	c := newClient(t, f, func(o *Options) { o.MaxBodyBytes = 1 << 10 })
	if _, err := c.FetchFull(context.Background(), "big"); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err=%v, want ErrBodyTooLarge", err)
	}

	c = newClient(t, f, nil)
	var last, calls int64
	ctx := modsync.WithByteProgress(context.Background(), func(loaded, total int64) {
		calls++
		if loaded < last {
			t.Errorf("loaded went backwards: %d < %d", loaded, last)
		}
		last = loaded
	})
	b, err := c.FetchFull(ctx, "big")
	if err != nil || len(b) != len(body) {
		t.Fatalf("len=%d err=%v", len(b), err)
	}
	if calls == 0 || last != int64(len(body)) {
		t.Fatalf("calls=%d last=%d", calls, last)
	}
}

// ==============================
// Targets
// ==============================

func TestListTargetsPaginates(t *testing.T) {
	f := &fakeService{pages: map[string]targetPage{
		"":   {Targets: []string{"a", "b"}, Next: "p2"},
		"p2": {Targets: []string{"c"}},
	}}
	c := newClient(t, f, nil)
	ctx := context.Background()

	got, next, err := c.ListTargets(ctx, "")
	if err != nil || len(got) != 2 || next != "p2" {
		t.Fatalf("page1=%v next=%q err=%v", got, next, err)
	}
	got, next, err = c.ListTargets(ctx, next)
	if err != nil || len(got) != 1 || got[0] != "c" || next != "" {
		t.Fatalf("page2=%v next=%q err=%v", got, next, err)
	}
	if _, _, err := c.ListTargets(ctx, "nope"); err == nil {
		t.Fatal("expected error for bad cursor")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
