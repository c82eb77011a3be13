package router

import (
	"sync"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
)

// AdmissionConfig holds the global and per-tenant limits (§4.8,
// §6).
type AdmissionConfig struct {
	MaxConcurrentWorkflows int
	TenantRatePerSecond    float64
	TenantBurst            int
}

// DefaultAdmissionConfig is a permissive default suitable for local
// development.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{MaxConcurrentWorkflows: 100, TenantRatePerSecond: 10, TenantBurst: 20}
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{tokens: float64(burst), last: time.Now(), rate: rate, burst: float64(burst)}
}

func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Admission enforces §4.8's global-concurrency and per-tenant
// rate gates, ahead of routing. Both fail fast with Exhausted — unlike
// the router's own headroom back-pressure wait, admission never
// blocks.
type Admission struct {
	cfg AdmissionConfig

	mu       sync.Mutex
	inFlight int
	buckets  map[string]*tokenBucket
}

// NewAdmission builds an Admission gate.
func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg = DefaultAdmissionConfig()
	}
	return &Admission{cfg: cfg, buckets: make(map[string]*tokenBucket)}
}

// Acquire admits one task for tenantKey, returning a release func the
// caller must invoke exactly once when the task finishes. Fails with
// Exhausted if the global concurrency cap or the tenant's rate limit
// is exceeded.
func (a *Admission) Acquire(tenantKey string) (func(), error) {
	a.mu.Lock()
	if a.inFlight >= a.cfg.MaxConcurrentWorkflows {
		a.mu.Unlock()
		return nil, errs.New(errs.Exhausted, "global concurrent workflow limit (%d) reached", a.cfg.MaxConcurrentWorkflows)
	}
	bucket, ok := a.buckets[tenantKey]
	if !ok {
		bucket = newTokenBucket(a.cfg.TenantRatePerSecond, a.cfg.TenantBurst)
		a.buckets[tenantKey] = bucket
	}
	if !bucket.take() {
		a.mu.Unlock()
		return nil, errs.New(errs.Exhausted, "tenant %q exceeded its admission rate", tenantKey)
	}
	a.inFlight++
	a.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			a.mu.Lock()
			a.inFlight--
			a.mu.Unlock()
		})
	}
	return release, nil
}

// InFlight reports the current number of admitted, not-yet-released
// tasks, for metrics/diagnostics.
func (a *Admission) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}
