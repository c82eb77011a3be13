// Package worker implements the WorkerManager (§4.6): spawn,
// track, execute against, and recycle workers. Rather than a single
// fixed-size goroutine pool racing one shared task channel, it tracks
// many independently addressable workers, each with its own serialized
// task queue and heartbeat, as required by §4.6's per-worker ordering
// guarantee and heartbeat-timeout eviction rule.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/ids"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// ExecFunc runs one worker's payload to completion or until ctx is
// done — a caller-supplied function, typically an adapter.Variant.Execute
// closure, so the same manager serves every worker type rather than one
// hardcoded workload.
type ExecFunc func(ctx context.Context, payload map[string]any) (types.Result, error)

// Config holds WorkerManager tunables (§4.6, §6).
type Config struct {
	MaxConcurrentWorkers int
	HeartbeatInterval    time.Duration // default 30s
	HeartbeatTimeout      time.Duration // default 300s
	DefaultGrace          time.Duration // default 5s, preemptive close grace
}

// DefaultConfig applies the stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkers: 64,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     300 * time.Second,
		DefaultGrace:         5 * time.Second,
	}
}

type request struct {
	ctx     context.Context
	payload map[string]any
	replyCh chan types.Result
}

type handle struct {
	mu       sync.Mutex
	worker   types.Worker
	taskCh   chan request
	closeCh  chan struct{}
	closed   bool
	exec     ExecFunc
	stopHB   chan struct{}
}

// Manager tracks every live worker and dispatches execute calls to the
// worker's own serialized queue, preserving the "requests to a given
// worker are processed in arrival order" guarantee from §4.6.
type Manager struct {
	cfg     Config
	ids     *ids.Source
	mu      sync.RWMutex
	workers map[types.WorkerID]*handle
	onCrash func(w types.Worker)
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewManager builds a Manager. onCrash, if non-nil, is invoked
// (from the eviction goroutine) whenever a worker is evicted for a
// missed heartbeat, so the owning pool can reassign or fail its
// in-flight step.
func NewManager(cfg Config, onCrash func(w types.Worker)) *Manager {
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = DefaultConfig().MaxConcurrentWorkers
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = DefaultConfig().DefaultGrace
	}
	m := &Manager{
		cfg:     cfg,
		ids:     ids.NewSource(nil),
		workers: make(map[types.WorkerID]*handle),
		onCrash: onCrash,
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.evictionLoop()
	return m
}

// Spawn starts count new workers of workerType in poolID, each driven
// by exec. It enforces MaxConcurrentWorkers, failing with Exhausted
// when the cap would be exceeded (§4.6).
func (m *Manager) Spawn(poolID types.PoolID, workerType string, count int, exec ExecFunc) ([]types.WorkerID, error) {
	if count <= 0 {
		return nil, errs.New(errs.Invalid, "spawn count must be positive, got %d", count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.workers)+count > m.cfg.MaxConcurrentWorkers {
		return nil, errs.New(errs.Exhausted, "spawning %d workers would exceed max_concurrent_workers=%d (have %d)",
			count, m.cfg.MaxConcurrentWorkers, len(m.workers))
	}

	ids := make([]types.WorkerID, 0, count)
	for i := 0; i < count; i++ {
		id := types.WorkerID(m.ids.New())
		h := &handle{
			worker: types.Worker{
				ID:            id,
				PoolID:        poolID,
				Type:          workerType,
				Status:        types.WorkerSpawned,
				StartedAt:     time.Now(),
				LastHeartbeat: time.Now(),
			},
			taskCh:  make(chan request),
			closeCh: make(chan struct{}),
			exec:    exec,
			stopHB:  make(chan struct{}),
		}
		m.workers[id] = h
		m.wg.Add(2)
		go m.runWorker(h)
		go m.heartbeatLoop(h)
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) runWorker(h *handle) {
	defer m.wg.Done()
	for {
		select {
		case <-h.closeCh:
			return
		case req := <-h.taskCh:
			m.setStatus(h, types.WorkerBusy)
			start := time.Now()
			result, err := h.exec(req.ctx, req.payload)
			if err != nil && result.Error == nil {
				result.Error = err
			}
			if result.Duration == 0 {
				result.Duration = time.Since(start)
			}
			m.setStatus(h, types.WorkerIdle)
			m.touchHeartbeat(h)
			req.replyCh <- result
		}
	}
}

func (m *Manager) heartbeatLoop(h *handle) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-h.stopHB:
			return
		case <-ticker.C:
			m.touchHeartbeat(h)
		}
	}
}

func (m *Manager) setStatus(h *handle, status types.WorkerStatus) {
	h.mu.Lock()
	h.worker.Status = status
	h.mu.Unlock()
}

func (m *Manager) touchHeartbeat(h *handle) {
	h.mu.Lock()
	h.worker.LastHeartbeat = time.Now()
	h.mu.Unlock()
}

// Heartbeat records an externally reported liveness signal, used by
// process/remote-backed workers that drive their own heartbeat cadence
// instead of relying on the manager's internal ticker.
func (m *Manager) Heartbeat(workerID types.WorkerID) error {
	m.mu.RLock()
	h, ok := m.workers[workerID]
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "worker %q not found", workerID)
	}
	m.touchHeartbeat(h)
	return nil
}

// Execute sends payload to workerID's serialized queue and blocks
// until completion, cancellation, or timeout (§4.6 execute).
// Cancellation is cooperative: ctx is passed through to exec, which is
// responsible for honoring it at its own suspension points.
func (m *Manager) Execute(ctx context.Context, workerID types.WorkerID, payload map[string]any, timeout time.Duration) (types.Result, error) {
	m.mu.RLock()
	h, ok := m.workers[workerID]
	m.mu.RUnlock()
	if !ok {
		return types.Result{}, errs.New(errs.NotFound, "worker %q not found", workerID)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	replyCh := make(chan types.Result, 1)
	select {
	case h.taskCh <- request{ctx: callCtx, payload: payload, replyCh: replyCh}:
	case <-h.closeCh:
		return types.Result{}, errs.New(errs.NotFound, "worker %q closed before dispatch", workerID)
	case <-callCtx.Done():
		return types.Result{}, classifyCtxErr(callCtx)
	}

	select {
	case result := <-replyCh:
		return result, result.Error
	case <-callCtx.Done():
		return types.Result{}, classifyCtxErr(callCtx)
	}
}

func classifyCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.Timeout, ctx.Err(), "execute deadline exceeded")
	}
	return errs.Wrap(errs.Cancelled, ctx.Err(), "execute cancelled")
}

// ExecuteBatch fans payloads out to the named workers with bounded
// parallelism, returning each worker's Result keyed by id (§4.6
// execute_batch). Results for workers that error are still present in
// the map, with the error on the Result itself.
func (m *Manager) ExecuteBatch(ctx context.Context, payloads map[types.WorkerID]map[string]any, timeout time.Duration) map[types.WorkerID]types.Result {
	results := make(map[types.WorkerID]types.Result, len(payloads))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, m.cfg.MaxConcurrentWorkers)
	for id, payload := range payloads {
		wg.Add(1)
		sem <- struct{}{}
		go func(id types.WorkerID, payload map[string]any) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := m.Execute(ctx, id, payload, timeout)
			if err != nil && res.Error == nil {
				res.Error = err
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id, payload)
	}
	wg.Wait()
	return results
}

// Monitor emits a status snapshot of workerIDs every interval until ctx
// is cancelled (§4.6 monitor, "polled status"). The returned
// channel is closed when ctx is done.
func (m *Manager) Monitor(ctx context.Context, workerIDs []types.WorkerID, interval time.Duration) <-chan map[types.WorkerID]types.WorkerStatus {
	out := make(chan map[types.WorkerID]types.WorkerStatus)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot := m.statuses(workerIDs)
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *Manager) statuses(workerIDs []types.WorkerID) map[types.WorkerID]types.WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.WorkerID]types.WorkerStatus, len(workerIDs))
	for _, id := range workerIDs {
		if h, ok := m.workers[id]; ok {
			h.mu.Lock()
			out[id] = h.worker.Status
			h.mu.Unlock()
		}
	}
	return out
}

// Close stops and evicts one worker. If force is true it simulates the
// preemptive SIGKILL path (§4.6: "send SIGTERM → grace period →
// SIGKILL"): it signals closure immediately without waiting for an
// in-flight task. If force is false it waits up to grace for any
// in-flight Execute to return a reply before closing.
func (m *Manager) Close(workerID types.WorkerID, force bool, grace time.Duration) error {
	m.mu.Lock()
	h, ok := m.workers[workerID]
	if ok {
		delete(m.workers, workerID)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "worker %q not found", workerID)
	}
	return m.closeHandle(h, force, grace)
}

func (m *Manager) closeHandle(h *handle, force bool, grace time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if !force {
		if grace <= 0 {
			grace = m.cfg.DefaultGrace
		}
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			h.mu.Lock()
			busy := h.worker.Status == types.WorkerBusy
			h.mu.Unlock()
			if !busy {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	close(h.stopHB)
	close(h.closeCh)
	m.setStatus(h, types.WorkerClosed)
	return nil
}

// CloseAll stops and evicts every worker (§4.6 close_all).
func (m *Manager) CloseAll(force bool, grace time.Duration) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.workers))
	for id, h := range m.workers {
		handles = append(handles, h)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		_ = m.closeHandle(h, force, grace)
	}
}

// Shutdown stops the eviction loop and every worker. Call once, at
// process teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.CloseAll(true, 0)
	close(m.stopCh)
	m.wg.Wait()
}

// evictionLoop marks workers crashed and evicts them once their
// LastHeartbeat exceeds HeartbeatTimeout (§4.6: "missing
// heartbeat_timeout_seconds ... marks the worker crashed and evicts it
// from its pool"), via a periodic scan for stale heartbeats.
func (m *Manager) evictionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *Manager) evictStale() {
	now := time.Now()
	m.mu.Lock()
	var crashed []*handle
	for id, h := range m.workers {
		h.mu.Lock()
		stale := now.Sub(h.worker.LastHeartbeat) > m.cfg.HeartbeatTimeout
		if stale {
			h.worker.Status = types.WorkerCrashed
		}
		snapshot := h.worker
		h.mu.Unlock()
		if stale {
			crashed = append(crashed, h)
			delete(m.workers, id)
			if m.onCrash != nil {
				m.onCrash(snapshot)
			}
		}
	}
	m.mu.Unlock()

	for _, h := range crashed {
		_ = m.closeHandle(h, true, 0)
	}
}

// Get returns a snapshot of one worker's current state.
func (m *Manager) Get(workerID types.WorkerID) (types.Worker, bool) {
	m.mu.RLock()
	h, ok := m.workers[workerID]
	m.mu.RUnlock()
	if !ok {
		return types.Worker{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worker, true
}

// Count returns the number of currently tracked workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}
