// Package router implements pool selection and admission control
// (§4.8). Admission is decided before routing: a cheap guard in front
// of expensive work, generalized here into a global concurrency cap
// plus a per-tenant token bucket. No third-party library covers
// weighted pool selection or token buckets, so both are hand-rolled on
// sync.Mutex-protected counters, the same primitive this codebase
// reaches for throughout (DESIGN.md).
package router

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// Strategy selects how Router picks among eligible pools.
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastLoaded Strategy = "least_loaded"
	Random      Strategy = "random"
	Sticky      Strategy = "sticky"
)

// PoolInfo is the routing-relevant snapshot of one pool, supplied by
// the caller's PoolsFunc (internal/pool.Manager.List plus its static
// MaxWorkers bound).
type PoolInfo struct {
	ID         types.PoolID
	State      types.PoolState
	Breaker    types.BreakerState
	Metrics    types.PoolMetrics
	MaxWorkers int
}

func (p PoolInfo) headroom() int {
	return p.MaxWorkers - p.Metrics.QueuedTasks - p.Metrics.InFlightTasks
}

func (p PoolInfo) eligible() bool {
	if p.State != types.PoolRunningState {
		return false
	}
	if p.Breaker == types.BreakerOpen {
		return false
	}
	return p.headroom() >= 1
}

// PoolsFunc returns the current snapshot of every pool.
type PoolsFunc func() []PoolInfo

// SelectRequest carries one routing decision's inputs.
type SelectRequest struct {
	Strategy   Strategy
	TenantKey  string // used for admission rate limiting
	StickyKey  string // used only when Strategy == Sticky
}

// Router picks a pool for a task and gates admission ahead of routing
// (§4.8).
type Router struct {
	pools         PoolsFunc
	admission     *Admission
	admissionWait time.Duration
	rrIndex       uint64
	mu            sync.Mutex
}

// New builds a Router. admissionWait <= 0 defaults to 2s.
func New(pools PoolsFunc, admission *Admission, admissionWait time.Duration) *Router {
	if admissionWait <= 0 {
		admissionWait = 2 * time.Second
	}
	return &Router{pools: pools, admission: admission, admissionWait: admissionWait}
}

// Select runs admission, then picks a pool by req.Strategy, waiting up
// to admissionWait for headroom to free up if every eligible pool is
// saturated (§4.8 back-pressure). The returned release func must
// be called exactly once, when the routed task finishes, to free the
// admission slot.
func (r *Router) Select(ctx context.Context, req SelectRequest) (types.PoolID, func(), error) {
	release, err := r.admission.Acquire(req.TenantKey)
	if err != nil {
		return "", nil, err
	}

	id, err := r.route(ctx, req)
	if err != nil {
		release()
		return "", nil, err
	}
	return id, release, nil
}

func (r *Router) route(ctx context.Context, req SelectRequest) (types.PoolID, error) {
	deadline := time.Now().Add(r.admissionWait)
	for {
		eligible := r.eligiblePools()
		if len(eligible) > 0 {
			return r.pick(req, eligible), nil
		}
		if time.Now().After(deadline) {
			return "", errs.New(errs.Exhausted, "no pool with headroom within admission_wait")
		}
		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.Cancelled, ctx.Err(), "routing cancelled while waiting for headroom")
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (r *Router) eligiblePools() []PoolInfo {
	all := r.pools()
	out := make([]PoolInfo, 0, len(all))
	for _, p := range all {
		if p.eligible() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) pick(req SelectRequest, eligible []PoolInfo) types.PoolID {
	switch req.Strategy {
	case LeastLoaded:
		return pickLeastLoaded(eligible)
	case Random:
		return eligible[rand.Intn(len(eligible))].ID
	case Sticky:
		return eligible[stickyIndex(req.StickyKey, len(eligible))].ID
	default:
		return r.pickRoundRobin(eligible)
	}
}

func (r *Router) pickRoundRobin(eligible []PoolInfo) types.PoolID {
	r.mu.Lock()
	idx := r.rrIndex
	r.rrIndex++
	r.mu.Unlock()
	return eligible[idx%uint64(len(eligible))].ID
}

func pickLeastLoaded(eligible []PoolInfo) types.PoolID {
	best := eligible[0]
	bestLoad := load(best)
	for _, p := range eligible[1:] {
		l := load(p)
		if l < bestLoad || (l == bestLoad && p.Metrics.AverageStepMillis < best.Metrics.AverageStepMillis) {
			best, bestLoad = p, l
		}
	}
	return best.ID
}

func load(p PoolInfo) float64 {
	if p.MaxWorkers == 0 {
		return 0
	}
	return float64(p.Metrics.QueuedTasks) + float64(p.Metrics.InFlightTasks)/float64(p.MaxWorkers)
}

func stickyIndex(key string, n int) int {
	if n == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
