package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestAllowEnforcesBurst(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("request should be rate-limited after burst exhausted")
	}

	// 10 req/s refills one token every 100ms
	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("request should be allowed after token replenishment")
	}
}

func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)
	if !limiter.Allow() {
		t.Fatal("first request should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait() should fail when the deadline is shorter than the refill")
	}
}

func TestTokens(t *testing.T) {
	limiter := New(10, 10)
	for i := 0; i < 5; i++ {
		limiter.Allow()
	}
	remaining := limiter.Tokens()
	if remaining < 4 || remaining > 6 {
		t.Fatalf("remaining tokens %f outside expected range 4-6", remaining)
	}
}

func TestUnlimitedRate(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 1000; i++ {
		if !limiter.Allow() {
			t.Fatalf("unlimited limiter should allow request %d", i)
		}
	}
}

func TestKeyedIsolatesKeys(t *testing.T) {
	k := NewKeyed(1, 1)

	if !k.Allow("share.host1@be") {
		t.Fatal("first send to host1 should pass")
	}
	if k.Allow("share.host1@be") {
		t.Fatal("second send to host1 should be limited")
	}
	if !k.Allow("share.host2@be") {
		t.Fatal("host2 has its own bucket")
	}
	if k.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", k.Len())
	}
	if k.Get("share.host1@be") != k.Get("share.host1@be") {
		t.Fatal("Get must return the same limiter for a key")
	}
}

func TestKeyedWait(t *testing.T) {
	k := NewKeyed(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := k.Wait(ctx, "scheduler"); err != nil {
			t.Fatalf("unlimited wait failed: %v", err)
		}
	}
}

func BenchmarkKeyedAllowParallel(b *testing.B) {
	k := NewKeyed(1_000_000, 1_000_000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			k.Allow("share.host@be")
		}
	})
}
