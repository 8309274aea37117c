package revcache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestPruneNoopWithinBudget(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), newClock())
	_ = cc.Put(ctx, "A", graph{}, "", 50)
	_ = cc.Put(ctx, "B", graph{}, "", 50)

	res, err := cc.Prune(ctx, 100)
	if err != nil || len(res.Evicted) != 0 {
		t.Fatalf("expected no-op, got %+v err=%v", res, err)
	}
}

func TestPruneEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cc := newTestCache(t, newMemProvider(), clk)
	for _, k := range []string{"old", "mid", "new"} {
		_ = cc.Put(ctx, k, graph{}, "", 40)
		clk.add(time.Second)
	}

	res, err := cc.Prune(ctx, 80)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != "old" || res.FreedBytes != 40 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPruneKeepsLastEntry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cc := newTestCache(t, newMemProvider(), clk)
	_ = cc.Put(ctx, "small", graph{}, "", 10)
	clk.add(time.Second)
	_ = cc.Put(ctx, "huge", graph{}, "", 1_000)

	res, err := cc.Prune(ctx, 100)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != "small" {
		t.Fatalf("evicted %v", res.Evicted)
	}
	if n, _ := cc.Len(ctx); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
	// repeated prune does not empty the cache
	res, _ = cc.Prune(ctx, 100)
	if len(res.Evicted) != 0 {
		t.Fatalf("second prune evicted %v", res.Evicted)
	}
}

// Random cache states always end within budget or with exactly one entry.
func TestPruneInvariant(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		clk := newClock()
		cc := newTestCache(t, newMemProvider(), clk)
		n := 2 + r.Intn(20)
		for i := 0; i < n; i++ {
			_ = cc.Put(ctx, fmt.Sprintf("k%02d", i), graph{}, "", int64(1+r.Intn(500)))
			clk.add(time.Duration(r.Intn(3)) * time.Second)
		}
		budget := int64(r.Intn(2000))
		for i := 0; i < 3; i++ {
			if _, err := cc.Prune(ctx, budget); err != nil {
				t.Fatalf("Prune: %v", err)
			}
		}
		total, _ := cc.TotalSizeBytes(ctx)
		count, _ := cc.Len(ctx)
		if total > budget && count != 1 {
			t.Fatalf("round %d: total=%d budget=%d entries=%d", round, total, budget, count)
		}
	}
}
