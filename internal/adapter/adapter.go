// Package adapter implements the AdapterRegistry (§4.5): a single
// capability set — initialize, health, execute, cancel, shutdown — that
// abstracts over the different execution engines a Step can run on,
// drawing the same local-vs-distributed line the rest of this codebase
// does around worker dispatch. The seam runs through Execute rather
// than a poll loop, because the orchestrator core pushes work to an
// engine instead of polling one.
package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// Health is the adapter's self-reported status (§4.5, §4.10).
type Health struct {
	Healthy bool
	Detail  string
}

// Variant is one execution-engine adapter (local, delegated, remote).
// Implementations must be safe for concurrent use: Execute is called
// from many workflow goroutines at once.
type Variant interface {
	Name() string
	Initialize(ctx context.Context) error
	Health(ctx context.Context) (Health, error)
	Execute(ctx context.Context, step types.Step) (types.Result, error)
	Cancel(ctx context.Context, taskID types.TaskID) error
	Shutdown(ctx context.Context) error
}

// BreakerStates reports the current CircuitBreaker state for a named
// adapter, used during resolution to skip adapters whose breaker is
// open. The registry takes this as a function rather than importing
// internal/breaker directly, so resolution logic stays independently
// testable against a fake.
type BreakerStates func(adapterName string) types.BreakerState

// entry is the registry's bookkeeping for one registered variant.
type entry struct {
	variant     Variant
	enabled     bool
	initialized bool
	load        func() int // caller-supplied load metric, lower is preferred
}

// Registry holds every registered adapter and implements the
// resolution order from §4.5: declared preferences of the task
// type, then adapter health, then breaker state, then least-loaded.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	breakers BreakerStates
}

// NewRegistry builds an empty Registry. breakers may be nil, in which
// case every adapter is treated as having a closed breaker.
func NewRegistry(breakers BreakerStates) *Registry {
	if breakers == nil {
		breakers = func(string) types.BreakerState { return types.BreakerClosed }
	}
	return &Registry{entries: make(map[string]*entry), breakers: breakers}
}

// Register adds a variant under its own Name(), enabled by default.
// load reports the adapter's current concurrency/queue depth for the
// least-loaded tiebreak; pass nil to treat it as always zero.
func (r *Registry) Register(v Variant, load func() int) {
	if load == nil {
		load = func() int { return 0 }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[v.Name()] = &entry{variant: v, enabled: true, load: load}
}

// SetEnabled toggles whether an adapter is eligible for resolution,
// without removing it from the registry (§4.5 "enabled flag").
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.enabled = enabled
	}
}

// InitializeAll initializes every registered adapter, recording
// startup failures against each entry. A startup failure means the
// adapter is skipped during resolution until a later health check
// reports it recovered. The failure does not trip the adapter's
// circuit breaker.
func (r *Registry) InitializeAll(ctx context.Context) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errsOut []error
	for _, e := range r.entries {
		if err := e.variant.Initialize(ctx); err != nil {
			errsOut = append(errsOut, errs.Wrap(errs.DependencyDown, err, "initialize adapter %q", e.variant.Name()))
			continue
		}
		e.initialized = true
	}
	return errsOut
}

// ShutdownAll shuts down every registered adapter, logging (returning,
// not retrying) any shutdown failure (§4.5 "shutdown failure:
// logged, not retried").
func (r *Registry) ShutdownAll(ctx context.Context) []error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errsOut []error
	for _, e := range r.entries {
		if err := e.variant.Shutdown(ctx); err != nil {
			errsOut = append(errsOut, errs.Wrap(errs.Internal, err, "shutdown adapter %q", e.variant.Name()))
		}
	}
	return errsOut
}

// ResolveRequest carries the inputs to adapter resolution.
type ResolveRequest struct {
	TaskType    string
	Preferences []string // ordered adapter names preferred for TaskType, may be empty
}

// Resolve picks the adapter to run a step on, following §4.5's
// order: declared preferences first (in order, first enabled, healthy,
// non-open-breaker candidate wins), otherwise every enabled, healthy, non-open-breaker
// adapter ranked by load ascending. Fails with Exhausted if nothing
// qualifies.
func (r *Registry) Resolve(ctx context.Context, req ResolveRequest) (Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range req.Preferences {
		if e, ok := r.entries[name]; ok && r.eligible(ctx, e) {
			return e.variant, nil
		}
	}

	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if r.eligible(ctx, e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.Exhausted, "no adapter available for task type %q", req.TaskType)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].load() < candidates[j].load() })
	return candidates[0].variant, nil
}

func (r *Registry) eligible(ctx context.Context, e *entry) bool {
	if !e.enabled {
		return false
	}
	if r.breakers(e.variant.Name()) == types.BreakerOpen {
		return false
	}
	health, err := e.variant.Health(ctx)
	if err != nil || !health.Healthy {
		return false
	}
	return true
}

// Names returns every registered adapter name, for admin/status surfaces.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
