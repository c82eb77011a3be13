// Package breaker implements the per-dependency CircuitBreaker gate
// (§4.2). One Breaker instance exists per named dependency (adapter,
// external service, worker type) and is shared through the Registry.
//
// The state machine is hand-rolled rather than built on
// github.com/sony/gobreaker/v2: gobreaker's Timeout (the open-state
// cooldown) is fixed for the life of a *gobreaker.CircuitBreaker and
// has no live mutator, but the open-state cooldown here must double on
// every repeated trip, capped at max_cooldown (§4.2, tested by §8.4).
// Rebuilding a fresh gobreaker instance to pick up a new Timeout would
// also discard its internal failure-window state, which defeats using
// the library in the first place. The mutex-protected state struct
// below is a single struct, one mutex, explicit status field, no
// channels — the same shape used throughout this codebase.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// Config holds the tunables for one Breaker (§6 "per-breaker").
type Config struct {
	Name                 string
	Threshold            int           // failures within Window before tripping
	ConsecutiveThreshold int           // consecutive failures before tripping
	Window               time.Duration // rolling window, closed state
	Cooldown             time.Duration // open-state duration before first probe
	MaxCooldown          time.Duration // cap for escalated cooldown
	HalfOpenSuccesses    int           // consecutive successes required to close
}

// DefaultConfig returns the stated defaults (§4.2).
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		Threshold:            5,
		ConsecutiveThreshold: 3,
		Window:               60 * time.Second,
		Cooldown:             30 * time.Second,
		MaxCooldown:          300 * time.Second,
		HalfOpenSuccesses:    1,
	}
}

type failureRecord struct {
	at time.Time
}

// Breaker gates calls to a single named dependency.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               types.BreakerState
	failures            []failureRecord // failures within the rolling window, closed state only
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	currentCooldown     time.Duration
	probing             bool
	now                 func() time.Time
}

// New creates a Breaker starting in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:             cfg,
		state:           types.BreakerClosed,
		currentCooldown: cfg.Cooldown,
		now:             time.Now,
	}
}

// State returns the current breaker state for metrics/probes. A
// lapsed open-state cooldown lazily transitions to half_open so
// callers never observe an open breaker past its own cooldown.
func (b *Breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == types.BreakerOpen && b.now().Sub(b.openedAt) >= b.currentCooldown {
		b.state = types.BreakerHalfOpen
		b.halfOpenSuccesses = 0
	}
}

// Execute runs fn behind the breaker. If the breaker is open, fn is
// never called and a DependencyDown error is returned immediately
// (§4.2, §8.4: "during open, calls fail with DependencyDown
// without contacting the dependency"). In half_open, exactly one probe
// is admitted; concurrent callers arriving while a probe is in flight
// also fail fast.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (types.Result, error)) (types.Result, error) {
	if !b.admit() {
		return types.Result{}, errs.New(errs.DependencyDown, "breaker %q is open", b.cfg.Name).
			With("breaker", b.cfg.Name)
	}

	res, err := fn(ctx)
	b.report(err == nil)
	if err != nil {
		return res, err
	}
	return res, nil
}

// admitting holds the in-flight half-open probe slot so only one probe
// is ever outstanding at a time.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case types.BreakerOpen:
		return false
	case types.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default: // closed
		return true
	}
}

// report records the outcome of an admitted call and drives the state
// transitions in §4.2.
func (b *Breaker) report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerHalfOpen:
		b.probing = false
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= max(1, b.cfg.HalfOpenSuccesses) {
				b.closeLocked()
			}
			return
		}
		b.openLocked(true)
	case types.BreakerClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		now := b.now()
		b.failures = append(b.failures, failureRecord{at: now})
		b.pruneWindowLocked(now)
		if len(b.failures) >= b.cfg.Threshold || b.consecutiveFailures >= b.cfg.ConsecutiveThreshold {
			b.openLocked(false)
		}
	}
}

func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].at.After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) openLocked(escalate bool) {
	b.state = types.BreakerOpen
	b.openedAt = b.now()
	if escalate {
		b.currentCooldown *= 2
		if b.currentCooldown > b.cfg.MaxCooldown {
			b.currentCooldown = b.cfg.MaxCooldown
		}
	}
}

func (b *Breaker) closeLocked() {
	b.state = types.BreakerClosed
	b.consecutiveFailures = 0
	b.failures = nil
	b.currentCooldown = b.cfg.Cooldown
}

// Registry owns one Breaker per named dependency, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func(name string) Config
}

// NewRegistry creates a Registry. factory, if nil, uses DefaultConfig
// for every dependency name.
func NewRegistry(factory func(name string) Config) *Registry {
	if factory == nil {
		factory = DefaultConfig
	}
	return &Registry{breakers: make(map[string]*Breaker), factory: factory}
}

// Get returns the Breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(r.factory(name))
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every known breaker's state, for
// HealthSupervisor's component report (§4.10).
func (r *Registry) States() map[string]types.BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]types.BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
