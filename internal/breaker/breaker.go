// Package breaker implements the per-service circuit breaker gate
// required in front of every outbound call (spec §4.3). Adapted from
// the teacher's internal/resilience/circuit_breaker.go state machine;
// the Hystrix-style thread-pool and adaptive-learning-rate variants
// from that file have no counterpart in spec §4.3 and were not
// carried forward (see DESIGN.md).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// State is one of the three circuit breaker states from spec §4.3.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is
// open ("fails fast with ServiceUnavailable" per spec §4.3).
var ErrOpen = errors.New("circuit breaker open")

// Config holds the per-service thresholds from spec §4.3.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Window           time.Duration // window the failures must occur within
	InitialCooldown  time.Duration // initial open_until duration
	MaxCooldown      time.Duration // cap on cooldown doubling (Open Question #4: 30 min)
}

// DefaultConfig matches spec §4.3's suggested defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		InitialCooldown:  120 * time.Second,
		MaxCooldown:      30 * time.Minute,
	}
}

// StateChangeFunc is invoked whenever a breaker transitions state,
// used to checkpoint state to the State Store (spec §5: "checkpointed
// to the Store so that restarts preserve open states").
type StateChangeFunc func(service string, from, to State, openUntil time.Time)

// Breaker is a single per-service circuit breaker.
type Breaker struct {
	mu sync.Mutex

	service   string
	cfg       Config
	state     State
	failures  int
	windowEnd time.Time
	openUntil time.Time
	cooldown  time.Duration

	onChange StateChangeFunc
	log      logger.Logger

	metric *prometheus.GaugeVec
}

// newBreaker constructs a breaker starting closed.
func newBreaker(service string, cfg Config, onChange StateChangeFunc, metric *prometheus.GaugeVec) *Breaker {
	return &Breaker{
		service:  service,
		cfg:      cfg,
		state:    Closed,
		cooldown: cfg.InitialCooldown,
		onChange: onChange,
		log:      logger.New("breaker").WithFields(logger.String("service", service)),
		metric:   metric,
	}
}

// Restore sets a breaker's state directly, used on process startup to
// reload an open state persisted in the State Store.
func (b *Breaker) Restore(state State, openUntil time.Time, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.openUntil = openUntil
	b.failures = failures
}

// Allow reports whether a call may proceed right now, transitioning
// open→half-open if the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(b.openUntil) {
			return false
		}
		b.transitionLocked(HalfOpen)
		return true
	case HalfOpen:
		// Every caller is admitted while half-open, so concurrent
		// callers may each make a trial call; the first of them to
		// finish (success or failure) resolves the state.
		return true
	}
	return false
}

// Call executes fn if the breaker allows it, recording success/failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.transitionLocked(Closed)
		b.cooldown = b.cfg.InitialCooldown
	}
	b.failures = 0
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == HalfOpen {
		b.openWithDoubledCooldown(now)
		return
	}

	if now.After(b.windowEnd) {
		b.failures = 0
		b.windowEnd = now.Add(b.cfg.Window)
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.openWithCooldown(now, b.cfg.InitialCooldown)
	}
}

func (b *Breaker) openWithCooldown(now time.Time, cooldown time.Duration) {
	b.cooldown = cooldown
	b.openUntil = now.Add(cooldown)
	b.transitionLocked(Open)
}

func (b *Breaker) openWithDoubledCooldown(now time.Time) {
	next := b.cooldown * 2
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	b.openWithCooldown(now, next)
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.Info("circuit breaker transition",
		logger.String("from", from.String()),
		logger.String("to", to.String()))

	if b.metric != nil {
		b.metric.WithLabelValues(b.service).Set(float64(to))
	}
	if b.onChange != nil {
		b.onChange(b.service, from, to, b.openUntil)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenUntil returns the time the breaker is scheduled to attempt a
// half-open trial, valid only while State() == Open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

// Registry holds one Breaker per external service name. Every
// outbound call in the system must pass through the registry (spec
// §4.3).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
	onChange StateChangeFunc
	metric   *prometheus.GaugeVec
}

// NewRegistry creates an empty registry. configs maps service name to
// its tuned thresholds; a "default" entry is used for services with
// no specific entry.
func NewRegistry(configs map[string]Config, onChange StateChangeFunc) *Registry {
	metric := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_breaker_state",
		Help: "Circuit breaker state per service (0=closed 1=open 2=half-open).",
	}, []string{"service"})

	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  configs,
		onChange: onChange,
		metric:   metric,
	}
}

// Collector exposes the registry's prometheus metric for registration
// with a prometheus.Registerer.
func (r *Registry) Collector() prometheus.Collector {
	return r.metric
}

// Get returns (creating if necessary) the breaker for service.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	cfg, ok := r.configs[service]
	if !ok {
		cfg = r.configs["default"]
	}
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}

	b := newBreaker(service, cfg, r.onChange, r.metric)
	r.breakers[service] = b
	return b
}

// Call is a convenience wrapper: Get(service).Call(ctx, fn).
func (r *Registry) Call(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	return r.Get(service).Call(ctx, fn)
}

// Snapshot returns the current state of every known breaker, used by
// the watchdog to drive half-open recovery probes.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Reset forces service's breaker closed, discarding its failure count
// and any open cooldown. Used by the operator `reset-circuit-breaker`
// maintenance command when a known-transient outage has passed and an
// operator does not want to wait out the remaining cooldown.
func (r *Registry) Reset(service string) {
	b := r.Get(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.windowEnd = time.Time{}
	b.openUntil = time.Time{}
	b.cooldown = b.cfg.InitialCooldown
	b.transitionLocked(Closed)
}
