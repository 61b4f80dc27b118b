package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitUnlimitedServiceReturnsImmediately(t *testing.T) {
	r := NewRegistry(map[string]Limit{"search-provider": {PerSecond: 5, Burst: 10}})

	start := time.Now()
	if err := r.Wait(context.Background(), "unconfigured-service"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected an unconfigured service to return immediately")
	}
}

func TestWaitDrainsBurstThenThrottles(t *testing.T) {
	r := NewRegistry(map[string]Limit{"search-provider": {PerSecond: 1000, Burst: 2}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := r.Wait(ctx, "search-provider"); err != nil {
			t.Fatalf("unexpected error draining burst: %v", err)
		}
	}

	// A third call with the burst exhausted must still succeed (the
	// limiter waits for the next token at 1000/s, not error out).
	start := time.Now()
	if err := r.Wait(ctx, "search-provider"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected token replenishment well under a second at 1000/s")
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	r := NewRegistry(map[string]Limit{"slow-service": {PerSecond: 0.001, Burst: 1}})
	ctx := context.Background()

	// Drain the single burst token so the next call must wait.
	if err := r.Wait(ctx, "slow-service"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	if err := r.Wait(cancelCtx, "slow-service"); err == nil {
		t.Fatal("expected context deadline to abort the wait")
	}
}

func TestLimiterForIsStablePerService(t *testing.T) {
	r := NewRegistry(map[string]Limit{"a": {PerSecond: 1, Burst: 1}})
	l1 := r.limiterFor("a")
	l2 := r.limiterFor("a")
	if l1 != l2 {
		t.Fatal("expected the same limiter instance to be reused for repeated calls")
	}
}
