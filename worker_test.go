package modsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/modsync/queue"
)

func TestEnqueueBackgroundAndDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.set("fresh", "r1", `{"x":1}`)
	h.remote.set("a", "r1", `{"x":1}`)
	h.remote.set("b", "r1", `{"x":2}`)
	mustFetch(t, h.eng, "fresh", FetchOptions{})

	added, err := h.eng.EnqueueBackground(ctx, []string{"fresh", "a", "b", "a", ""}, 1)
	if err != nil || added != 2 {
		t.Fatalf("added=%d err=%v want 2", added, err)
	}
	if !h.eng.HasPendingWork() {
		t.Fatal("expected pending work")
	}

	n, err := h.eng.DrainQueue(ctx, 0)
	if err != nil || n != 2 {
		t.Fatalf("drained=%d err=%v", n, err)
	}
	if h.eng.HasPendingWork() {
		t.Fatal("queue should be idle")
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := h.eng.cache.Get(ctx, k); !ok {
			t.Fatalf("%s not pre-warmed", k)
		}
	}
}

// A job whose key was fetched on demand while queued completes without
// another remote fetch.
func TestDrainStaleSkipAfterOnDemandFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.set("A", "r1", `{"x":1}`)

	if _, err := h.eng.EnqueueBackground(ctx, []string{"A"}, 0); err != nil {
		t.Fatal(err)
	}
	mustFetch(t, h.eng, "A", FetchOptions{})

	n, err := h.eng.DrainQueue(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("drained=%d err=%v", n, err)
	}
	if _, full, _ := h.remote.calls("A"); full != 1 {
		t.Fatalf("full fetches=%d want 1", full)
	}
	jobs := h.eng.Jobs()
	if len(jobs) != 1 || jobs[0].Status != queue.Completed {
		t.Fatalf("jobs=%+v", jobs)
	}
}

func TestDrainRetryCeilingThroughEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options[record]) { o.MaxRetries = 1 })
	h.remote.fullErr["A"] = errNet
	if _, err := h.eng.EnqueueBackground(ctx, []string{"A"}, 0); err != nil {
		t.Fatal(err)
	}

	if n, _ := h.eng.DrainQueue(ctx, 0); n != 0 {
		t.Fatalf("first attempt settled %d jobs", n)
	}
	if n, _ := h.eng.DrainQueue(ctx, 0); n != 1 {
		t.Fatalf("second attempt settled %d jobs, want 1", n)
	}
	jobs := h.eng.Jobs()
	if len(jobs) != 1 || jobs[0].Status != queue.Failed || jobs[0].RetryCount != 2 {
		t.Fatalf("jobs=%+v", jobs)
	}
	if jobs[0].LastError == "" {
		t.Fatal("last error not recorded")
	}

	h.eng.DrainQueue(ctx, 0)
	if _, full, _ := h.remote.calls("A"); full != 2 {
		t.Fatalf("full fetches=%d want 2", full)
	}
	if len(h.hooks.retried) != 1 || len(h.hooks.failed) != 1 {
		t.Fatalf("retried=%v failed=%v", h.hooks.retried, h.hooks.failed)
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.set("A", "r1", `{"x":1}`)
	if _, err := h.eng.EnqueueBackground(ctx, []string{"A"}, 3); err != nil {
		t.Fatal(err)
	}

	again := h.open(t, nil)
	if !again.HasPendingWork() {
		t.Fatal("restored engine lost the job")
	}
	if n, err := again.DrainQueue(ctx, 0); err != nil || n != 1 {
		t.Fatalf("drained=%d err=%v", n, err)
	}
	if n, err := again.PurgeJobs(ctx); err != nil || n != 1 {
		t.Fatalf("purged=%d err=%v", n, err)
	}
}

func TestRunDrainsPeriodically(t *testing.T) {
	h := newHarness(t, func(o *Options[record]) { o.DrainInterval = 5 * time.Millisecond })
	h.remote.set("A", "r1", `{"x":1}`)
	if _, err := h.eng.EnqueueBackground(context.Background(), []string{"A"}, 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.eng.Run(ctx) }()

	waitFor(t, "worker to sync A", func() bool {
		_, ok, _ := h.eng.cache.Stat(context.Background(), "A")
		return ok
	})
	waitFor(t, "worker to purge the finished job", func() bool { return len(h.eng.Jobs()) == 0 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
