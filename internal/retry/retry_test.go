package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}

	attempts := 0
	res := Do(context.Background(), cfg, "test-op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if res.Err != nil {
		t.Fatalf("expected eventual success, got %v", res.Err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	cfg := DefaultConfig()
	attempts := 0
	res := Do(context.Background(), cfg, "test-op", func(ctx context.Context) error {
		attempts++
		return errors.New("400 bad request")
	})

	if res.Err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("permanent error should not be retried, got %d attempts", attempts)
	}
}

func TestDoHonorsRateLimitedRetryAfter(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0}

	start := time.Now()
	attempts := 0
	Do(context.Background(), cfg, "test-op", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &Classified{Err: errors.New("rate limited"), Class: ClassRateLimited, RetryAfter: 5 * time.Millisecond}
		}
		return nil
	})
	elapsed := time.Since(start)

	if elapsed >= cfg.BaseDelay {
		t.Fatalf("expected RetryAfter override (5ms) rather than base delay (1s), elapsed=%v", elapsed)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("dial tcp: timeout"), ClassTransient},
		{errors.New("HTTP 503 service unavailable"), ClassTransient},
		{errors.New("429 too many requests"), ClassRateLimited},
		{errors.New("400 bad request"), ClassPermanent},
		{&Classified{Err: errors.New("x"), Class: ClassTransient}, ClassTransient},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDoAbortsOnContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: 0}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := Do(ctx, cfg, "test-op", func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})

	if res.Err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if attempts >= cfg.MaxAttempts {
		t.Fatalf("expected cancellation to cut the loop short, got %d attempts", attempts)
	}
}
