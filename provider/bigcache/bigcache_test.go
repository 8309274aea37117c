package bigcache

import (
	"context"
	"testing"
)

func TestBigcacheProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{Shards: 4, MaxEntrySize: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if _, ok, err := p.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if err := p.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if b, ok, err := p.Get(ctx, "k"); err != nil || !ok || string(b) != "v1" {
		t.Fatalf("Get: b=%q ok=%v err=%v", b, ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del of missing key should not fail: %v", err)
	}
}
