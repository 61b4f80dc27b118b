package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		InitialCooldown:  100 * time.Millisecond,
		MaxCooldown:      time.Second,
	}
	var transitions []State
	b := newBreaker("company-data", cfg, func(service string, from, to State, openUntil time.Time) {
		transitions = append(transitions, to)
	}, nil)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		if err := b.Call(context.Background(), failing); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
		if b.State() != Closed {
			t.Fatalf("breaker should remain closed before threshold, attempt %d", i)
		}
	}

	// Fifth consecutive failure trips the breaker.
	_ = b.Call(context.Background(), failing)
	if b.State() != Open {
		t.Fatalf("expected breaker to be open after threshold, got %v", b.State())
	}

	if err := b.Call(context.Background(), failing); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fail-fast ErrOpen while open, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	succeeded := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		succeeded = true
		return nil
	})
	if err != nil || !succeeded {
		t.Fatalf("expected half-open trial call to succeed, err=%v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected breaker to close after successful trial, got %v", b.State())
	}
}

func TestBreakerDoublesCooldownOnHalfOpenFailure(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		InitialCooldown:  10 * time.Millisecond,
		MaxCooldown:      40 * time.Millisecond,
	}
	b := newBreaker("svc", cfg, nil, nil)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	_ = b.Call(context.Background(), failing) // trips open, cooldown=10ms
	time.Sleep(15 * time.Millisecond)
	_ = b.Call(context.Background(), failing) // half-open trial fails, cooldown doubles to 20ms

	if b.cooldown != 20*time.Millisecond {
		t.Fatalf("expected cooldown to double to 20ms, got %v", b.cooldown)
	}

	time.Sleep(25 * time.Millisecond)
	_ = b.Call(context.Background(), failing) // doubles again, capped at 40ms
	if b.cooldown != 40*time.Millisecond {
		t.Fatalf("expected cooldown capped at 40ms, got %v", b.cooldown)
	}
}

func TestRegistryReusesBreakerPerService(t *testing.T) {
	r := NewRegistry(map[string]Config{"default": DefaultConfig()}, nil)
	a := r.Get("serp-provider")
	b := r.Get("serp-provider")
	if a != b {
		t.Fatal("expected same breaker instance for repeated Get on same service")
	}
	c := r.Get("company-data")
	if a == c {
		t.Fatal("expected distinct breakers for distinct services")
	}
}
