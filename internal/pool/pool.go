// Package pool implements the PoolManager (§4.7): a Pool is an
// ownership boundary for a homogeneous fleet of Workers, built on top
// of internal/worker's per-worker serialized execution. One
// mutex-protected map is the single source of truth per pool, with
// secondary indexes for fast queries, keyed off pools rather than
// individual jobs.
package pool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/worker"
	"github.com/lesleslie/mahavishnu/pkg/ids"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// BreakerStateFunc reports the CircuitBreaker state backing a pool's
// adapter, used for the health and metrics surfaces.
type BreakerStateFunc func(poolID types.PoolID) types.BreakerState

// Spec holds a pool's static configuration, supplied at spawn_pool
// time (§4.7).
type Spec struct {
	WorkerType  string
	MinWorkers  int
	MaxWorkers  int
	Exec        worker.ExecFunc
	ScaleAccept float64 // fraction of a scale-up batch that must succeed; 0 defaults to 0.5
}

type pool struct {
	id        types.PoolID
	spec      Spec
	mu        sync.Mutex // serializes Scale per pool (spec: "a second concurrent scale call fails with Conflict")
	scaling   bool
	state     types.PoolState
	workerIDs []types.WorkerID
	draining  map[types.WorkerID]bool
	rrIndex   uint64

	queued    int64
	inFlight  int64
	completed int64
	failed    int64
	stepNanos int64
	stepCount int64

	memory   map[string]string
	memoryMu sync.RWMutex
}

// Manager owns every Pool and the single worker.Manager backing all of
// them (§4.7). Pools are a logical grouping layered over shared
// workers.
type Manager struct {
	workers  *worker.Manager
	breakers BreakerStateFunc
	ids      *ids.Source

	mu    sync.RWMutex
	pools map[types.PoolID]*pool
}

// NewManager builds a PoolManager over an existing worker.Manager.
// breakers may be nil, in which case pool health never reports a
// breaker trip.
func NewManager(workers *worker.Manager, breakers BreakerStateFunc) *Manager {
	if breakers == nil {
		breakers = func(types.PoolID) types.BreakerState { return types.BreakerClosed }
	}
	return &Manager{
		workers:  workers,
		breakers: breakers,
		ids:      ids.NewSource(nil),
		pools:    make(map[types.PoolID]*pool),
	}
}

// SpawnPool creates a pool and its initial MinWorkers workers (spec
// §4.7 spawn_pool).
func (m *Manager) SpawnPool(spec Spec) (types.PoolID, error) {
	if spec.MinWorkers < 0 || spec.MaxWorkers < spec.MinWorkers {
		return "", errs.New(errs.Invalid, "invalid worker bounds: min=%d max=%d", spec.MinWorkers, spec.MaxWorkers)
	}
	if spec.ScaleAccept <= 0 {
		spec.ScaleAccept = 0.5
	}

	id := types.PoolID(m.ids.New())
	p := &pool{
		id:       id,
		spec:     spec,
		state:    types.PoolRunningState,
		draining: make(map[types.WorkerID]bool),
		memory:   make(map[string]string),
	}

	if spec.MinWorkers > 0 {
		workerIDs, err := m.workers.Spawn(id, spec.WorkerType, spec.MinWorkers, spec.Exec)
		if err != nil {
			return "", err
		}
		p.workerIDs = workerIDs
	}

	m.mu.Lock()
	m.pools[id] = p
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) get(poolID types.PoolID) (*pool, error) {
	m.mu.RLock()
	p, ok := m.pools[poolID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "pool %q not found", poolID)
	}
	return p, nil
}

// Execute runs payload against the next eligible worker in poolID,
// selected round-robin over non-draining workers (§4.7 execute).
func (m *Manager) Execute(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
	p, err := m.get(poolID)
	if err != nil {
		return types.Result{}, err
	}

	p.mu.Lock()
	state := p.state
	eligible := make([]types.WorkerID, 0, len(p.workerIDs))
	for _, id := range p.workerIDs {
		if !p.draining[id] {
			eligible = append(eligible, id)
		}
	}
	p.mu.Unlock()

	if state != types.PoolRunningState {
		return types.Result{}, errs.New(errs.Invalid, "pool %q is %s, not accepting work", poolID, state)
	}
	if len(eligible) == 0 {
		return types.Result{}, errs.New(errs.Exhausted, "pool %q has no eligible workers", poolID)
	}

	idx := atomic.AddUint64(&p.rrIndex, 1)
	workerID := eligible[int(idx)%len(eligible)]

	atomic.AddInt64(&p.queued, 1)
	atomic.AddInt64(&p.inFlight, 1)
	start := time.Now()
	result, err := m.workers.Execute(ctx, workerID, payload, timeout)
	atomic.AddInt64(&p.queued, -1)
	atomic.AddInt64(&p.inFlight, -1)
	atomic.AddInt64(&p.stepNanos, time.Since(start).Nanoseconds())
	atomic.AddInt64(&p.stepCount, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	} else {
		atomic.AddInt64(&p.completed, 1)
	}
	return result, err
}

// Scale adjusts poolID's worker count to target (§4.7 scale).
// target must satisfy min_workers <= target <= max_workers. A second
// concurrent Scale call on the same pool fails fast with Conflict
// instead of queuing.
func (m *Manager) Scale(ctx context.Context, poolID types.PoolID, target int) error {
	p, err := m.get(poolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.scaling {
		p.mu.Unlock()
		return errs.New(errs.Conflict, "pool %q is already scaling", poolID)
	}
	if target < p.spec.MinWorkers || target > p.spec.MaxWorkers {
		p.mu.Unlock()
		return errs.New(errs.Invalid, "target %d outside [%d, %d] for pool %q", target, p.spec.MinWorkers, p.spec.MaxWorkers, poolID)
	}
	p.scaling = true
	current := len(p.workerIDs)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.scaling = false
		p.mu.Unlock()
	}()

	switch {
	case target > current:
		return m.scaleUp(ctx, p, target-current)
	case target < current:
		return m.scaleDown(ctx, p, current-target)
	default:
		return nil
	}
}

func (m *Manager) scaleUp(ctx context.Context, p *pool, n int) error {
	type spawned struct {
		id  types.WorkerID
		err error
	}
	results := make([]spawned, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids, err := m.workers.Spawn(p.id, p.spec.WorkerType, 1, p.spec.Exec)
			if err != nil {
				results[i] = spawned{err: err}
				return
			}
			results[i] = spawned{id: ids[0]}
		}(i)
	}
	wg.Wait()

	var succeeded []types.WorkerID
	for _, r := range results {
		if r.err == nil {
			succeeded = append(succeeded, r.id)
		}
	}

	if float64(len(succeeded)) < float64(n)*p.spec.ScaleAccept {
		for _, id := range succeeded {
			_ = m.workers.Close(id, true, 0)
		}
		return errs.New(errs.Exhausted, "scale-up of pool %q: only %d/%d workers spawned, below acceptance threshold", p.id, len(succeeded), n)
	}

	p.mu.Lock()
	p.workerIDs = append(p.workerIDs, succeeded...)
	p.mu.Unlock()
	return nil
}

func (m *Manager) scaleDown(ctx context.Context, p *pool, n int) error {
	p.mu.Lock()
	candidates := make([]types.WorkerID, len(p.workerIDs))
	copy(candidates, p.workerIDs)
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		wi, _ := m.workers.Get(candidates[i])
		wj, _ := m.workers.Get(candidates[j])
		return rank(wi.Status) < rank(wj.Status)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	toRemove := candidates[:n]

	p.mu.Lock()
	for _, id := range toRemove {
		p.draining[id] = true
	}
	p.mu.Unlock()

	for _, id := range toRemove {
		_ = m.workers.Close(id, false, 0) // drains: wait a grace period before closing
	}

	p.mu.Lock()
	remaining := p.workerIDs[:0]
	removed := make(map[types.WorkerID]bool, len(toRemove))
	for _, id := range toRemove {
		removed[id] = true
		delete(p.draining, id)
	}
	for _, id := range p.workerIDs {
		if !removed[id] {
			remaining = append(remaining, id)
		}
	}
	p.workerIDs = remaining
	p.mu.Unlock()
	return nil
}

// rank orders worker statuses for scale-down preference: idle workers
// go first, busy ones last (§4.7 "scale down prefers idle
// workers; busy workers are drained").
func rank(s types.WorkerStatus) int {
	switch s {
	case types.WorkerIdle, types.WorkerSpawned:
		return 0
	case types.WorkerBusy:
		return 1
	default:
		return 2
	}
}

// Drain prevents new work on poolID, waits grace for in-flight steps,
// then closes every worker and transitions the pool to closed (spec
// §4.7 drain). Pool state never moves backwards.
func (m *Manager) Drain(ctx context.Context, poolID types.PoolID, grace time.Duration) error {
	return m.teardown(poolID, false, grace)
}

// Close force-closes poolID immediately, without a grace period (spec
// §4.7 close).
func (m *Manager) Close(ctx context.Context, poolID types.PoolID) error {
	return m.teardown(poolID, true, 0)
}

func (m *Manager) teardown(poolID types.PoolID, force bool, grace time.Duration) error {
	p, err := m.get(poolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state == types.PoolClosedState {
		p.mu.Unlock()
		return nil
	}
	if !force {
		p.state = types.PoolDrainingState
	}
	ids := make([]types.WorkerID, len(p.workerIDs))
	copy(ids, p.workerIDs)
	p.mu.Unlock()

	for _, id := range ids {
		_ = m.workers.Close(id, force, grace)
	}

	p.mu.Lock()
	p.state = types.PoolClosedState
	p.workerIDs = nil
	p.mu.Unlock()
	return nil
}

// CloseAll force-closes every pool (§4.7 close_all).
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	poolIDs := make([]types.PoolID, 0, len(m.pools))
	for id := range m.pools {
		poolIDs = append(poolIDs, id)
	}
	m.mu.RUnlock()
	for _, id := range poolIDs {
		_ = m.Close(ctx, id)
	}
}

// List returns every pool's metrics snapshot (§4.7 list).
func (m *Manager) List() map[types.PoolID]types.PoolMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.PoolID]types.PoolMetrics, len(m.pools))
	for id, p := range m.pools {
		out[id] = m.metricsOf(p)
	}
	return out
}

// Health reports poolID's derived health: unhealthy if its breaker is
// open or the pool is closed, degraded if it has fallen below
// min_workers or is draining, healthy otherwise.
func (m *Manager) Health(poolID types.PoolID) (string, error) {
	p, err := m.get(poolID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	state := p.state
	active := len(p.workerIDs)
	minWorkers := p.spec.MinWorkers
	p.mu.Unlock()

	if m.breakers(poolID) == types.BreakerOpen {
		return "unhealthy", nil
	}
	if state == types.PoolClosedState {
		return "unhealthy", nil
	}
	if active < minWorkers {
		return "degraded", nil
	}
	if state == types.PoolDrainingState {
		return "degraded", nil
	}
	return "healthy", nil
}

func (m *Manager) metricsOf(p *pool) types.PoolMetrics {
	p.mu.Lock()
	active := len(p.workerIDs)
	p.mu.Unlock()

	stepCount := atomic.LoadInt64(&p.stepCount)
	var avgMillis float64
	if stepCount > 0 {
		avgMillis = float64(atomic.LoadInt64(&p.stepNanos)) / float64(stepCount) / float64(time.Millisecond)
	}

	return types.PoolMetrics{
		ActiveWorkers:     active,
		QueuedTasks:       int(atomic.LoadInt64(&p.queued)),
		InFlightTasks:     int(atomic.LoadInt64(&p.inFlight)),
		Completed:         atomic.LoadInt64(&p.completed),
		Failed:            atomic.LoadInt64(&p.failed),
		AverageStepMillis: avgMillis,
		BreakerState:      string(m.breakers(p.id)),
	}
}

// Remember stores a key/value pair in poolID's local memory store, the
// substrate search_memory federates over.
func (m *Manager) Remember(poolID types.PoolID, key, value string) error {
	p, err := m.get(poolID)
	if err != nil {
		return err
	}
	p.memoryMu.Lock()
	p.memory[key] = value
	p.memoryMu.Unlock()
	return nil
}

// MemoryHit is one search_memory result.
type MemoryHit struct {
	PoolID types.PoolID
	Key    string
	Value  string
}

// SearchMemory federates a substring search over every pool's local
// memory store (§4.7 search_memory), capped at limit results.
func (m *Manager) SearchMemory(query string, limit int) []MemoryHit {
	m.mu.RLock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	var hits []MemoryHit
	for _, p := range pools {
		p.memoryMu.RLock()
		for k, v := range p.memory {
			if strings.Contains(k, query) || strings.Contains(v, query) {
				hits = append(hits, MemoryHit{PoolID: p.id, Key: k, Value: v})
				if limit > 0 && len(hits) >= limit {
					p.memoryMu.RUnlock()
					return hits
				}
			}
		}
		p.memoryMu.RUnlock()
	}
	return hits
}
