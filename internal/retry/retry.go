// Package retry wraps a unit of work with bounded, jittered
// exponential backoff and typed error classification (spec §4.4 and
// §7). Adapted from the teacher's internal/resilience/retry.go: the
// delay calculation (exponential + jitter) is kept; error
// classification moves from substring matching on the error text to a
// typed ErrorClass, with substring matching kept only as the fallback
// classifier for errors collaborators return as plain errors.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// ErrorClass is the taxonomy from spec §7.
type ErrorClass int

const (
	ClassPermanent ErrorClass = iota
	ClassTransient
	ClassRateLimited
)

// Classified is an error that already carries its ErrorClass, letting
// collaborators bypass the heuristic classifier entirely.
type Classified struct {
	Err       error
	Class     ErrorClass
	RetryAfter time.Duration // set when Class == ClassRateLimited and the server indicated a delay
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify determines the ErrorClass of err. A *Classified error's
// class is used directly; otherwise a substring heuristic over the
// error text is used as a fallback, matching the signal the teacher's
// retry.go looked for (timeouts, connection resets, 5xx, 429, explicit
// rate-limit/throttle wording).
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}

	msg := strings.ToLower(err.Error())
	rateLimited := []string{"rate limit", "throttle", "429", "too many requests"}
	for _, s := range rateLimited {
		if strings.Contains(msg, s) {
			return ClassRateLimited
		}
	}
	transient := []string{"timeout", "connection refused", "connection reset", "temporary", "503", "502", "504"}
	for _, s := range transient {
		if strings.Contains(msg, s) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Config controls attempt bounds and backoff shape.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of delay to randomize, e.g. 0.3
}

// DefaultConfig matches the defaults used across collaborator calls
// unless a service-specific override is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.3,
	}
}

// Result summarizes a completed retry loop, useful for logging/metrics
// at the call site.
type Result struct {
	Attempts int
	Err      error
}

var log = logger.New("retry")

// Do runs fn, retrying on Transient/RateLimited errors up to
// cfg.MaxAttempts, applying exponential backoff with jitter between
// attempts. Permanent errors are returned immediately without retry.
// ctx cancellation aborts the loop immediately (spec §5 cancellation
// semantics).
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) Result {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err}
		}

		err := fn(ctx)
		if err == nil {
			return Result{Attempts: attempt, Err: nil}
		}
		lastErr = err

		class := Classify(err)
		log.Debug("retry attempt failed",
			logger.String("op", op),
			logger.Int("attempt", attempt),
			logger.Err(err))

		if class == ClassPermanent {
			return Result{Attempts: attempt, Err: err}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		var rateLimitErr *Classified
		if errors.As(err, &rateLimitErr) && rateLimitErr.Class == ClassRateLimited && rateLimitErr.RetryAfter > 0 {
			delay = rateLimitErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return Result{Attempts: cfg.MaxAttempts, Err: lastErr}
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		jitter := float64(delay) * cfg.Jitter * rand.Float64()
		delay += time.Duration(jitter)
	}
	return delay
}
