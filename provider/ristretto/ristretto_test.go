package ristretto

import (
	"context"
	"testing"
)

func TestRistrettoProviderReadsItsWrites(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if err := p.Set(ctx, "k", []byte("payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || string(b) != "payload" {
		t.Fatalf("Get: b=%q ok=%v err=%v", b, ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after Del")
	}
}

func TestRistrettoRequiresBudget(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected config error")
	}
}
