// Package ratelimit provides a per-external-service token-bucket rate
// limiter, complementing internal/breaker and internal/quota: the
// breaker gates on failure, the quota manager gates on daily unit
// budget, and this package gates on requests-per-second so a healthy,
// under-quota provider still isn't hammered faster than it accepts.
// Grounded on the teacher's internal/security/ratelimit/limiter.go
// (a named-key map of golang.org/x/time/rate.Limiter instances),
// trimmed from its per-user/IP DDoS-protection shape (ban lists,
// cleanup goroutine) down to the one thing a phase worker needs: wait
// for a token before calling a named service's collaborator.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limit configures one service's sustained rate and burst allowance.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Registry holds one limiter per named external service.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]Limit
}

// NewRegistry builds a Registry with one configured Limit per service.
// A service with no configured Limit is unlimited (Wait returns immediately).
func NewRegistry(configs map[string]Limit) *Registry {
	return &Registry{limiters: make(map[string]*rate.Limiter), configs: configs}
}

func (r *Registry) limiterFor(service string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[service]; ok {
		return l
	}
	cfg, ok := r.configs[service]
	if !ok {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	r.limiters[service] = l
	return l
}

// Wait blocks until a token for service is available or ctx is
// cancelled. A service with no configured limit returns immediately.
func (r *Registry) Wait(ctx context.Context, service string) error {
	l := r.limiterFor(service)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
