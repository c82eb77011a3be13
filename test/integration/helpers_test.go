// Package integration holds end-to-end scenarios that exercise the
// full pool/worker/workflow/checkpoint stack together, the way the
// teacher's own test/integration suite drove its Controller end to
// end rather than unit-testing each piece in isolation.
package integration

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/internal/adapter"
	"github.com/lesleslie/mahavishnu/internal/audit"
	"github.com/lesleslie/mahavishnu/internal/breaker"
	"github.com/lesleslie/mahavishnu/internal/checkpoint"
	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/pool"
	"github.com/lesleslie/mahavishnu/internal/retry"
	"github.com/lesleslie/mahavishnu/internal/worker"
	"github.com/lesleslie/mahavishnu/internal/workflow"
	"github.com/lesleslie/mahavishnu/pkg/ids"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

// flakyVariant simulates a slow, occasionally-failing execution
// engine, so throughput and completion-rate scenarios have realistic
// variance instead of instantaneous always-succeed steps.
type flakyVariant struct {
	name        string
	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64
}

func (v flakyVariant) Name() string { return v.name }
func (v flakyVariant) Initialize(ctx context.Context) error { return nil }
func (v flakyVariant) Health(ctx context.Context) (adapter.Health, error) {
	return adapter.Health{Healthy: true}, nil
}

func (v flakyVariant) Execute(ctx context.Context, step types.Step) (types.Result, error) {
	jitter := v.minLatency
	if v.maxLatency > v.minLatency {
		jitter += time.Duration(rand.Int63n(int64(v.maxLatency - v.minLatency)))
	}
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
	if rand.Float64() < v.failureRate {
		return types.Result{}, errs.New(errs.DependencyDown, "simulated execution failure")
	}
	return types.Result{Success: true, Output: step.Inputs}, nil
}

func (v flakyVariant) Cancel(ctx context.Context, taskID types.TaskID) error { return nil }
func (v flakyVariant) Shutdown(ctx context.Context) error                   { return nil }

type harness struct {
	pools  *pool.Manager
	engine *workflow.Engine
	store  *checkpoint.Store
	poolID types.PoolID
}

// newHarness wires a full stack against a checkpoint store at dbPath,
// sized for workerCount concurrent workers on one pool.
func newHarness(t testing.TB, dbPath string, workerCount int, variant flakyVariant) *harness {
	t.Helper()

	workers := worker.NewManager(worker.Config{
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		DefaultGrace:      time.Second,
	}, nil)

	pools := pool.NewManager(workers, func(types.PoolID) types.BreakerState { return types.BreakerClosed })

	poolID, err := pools.SpawnPool(pool.Spec{
		WorkerType: variant.name, MinWorkers: workerCount, MaxWorkers: workerCount,
		Exec: func(ctx context.Context, payload map[string]any) (types.Result, error) {
			return variant.Execute(ctx, types.Step{Name: variant.name, Inputs: payload})
		},
	})
	require.NoError(t, err)

	store, err := checkpoint.Open(checkpoint.Config{Path: dbPath})
	require.NoError(t, err)

	engine := workflow.New(workflow.Deps{
		Checkpoints: store,
		Breakers:    breaker.NewRegistry(func(string) breaker.Config { return breaker.Config{} }),
		Execute:     pools.Execute,
		Events:      audit.NewBuffer(1024),
		IDs:         ids.NewSource(nil),
		RetryPolicy: retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2},
		StepTimeout: 2 * time.Second,
	})

	return &harness{pools: pools, engine: engine, store: store, poolID: poolID}
}

func (h *harness) close() {
	_ = h.store.Close()
}

// submitAndRun starts n workflows against poolID and runs each to
// completion concurrently, returning counts of succeeded/failed runs.
func (h *harness) submitAndRun(t testing.TB, poolID types.PoolID, n int, taskTimeout time.Duration) (succeeded, failed int) {
	t.Helper()

	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		step := types.Step{Name: "work", Inputs: map[string]any{"index": i}}
		wfID := h.engine.Start(types.TaskID(fmt.Sprintf("task-%d", i)), poolID, "", []types.Step{step})

		go func(id types.WorkflowID) {
			ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
			defer cancel()
			err := h.engine.Run(ctx, id)
			results <- err == nil
		}(wfID)
	}

	for i := 0; i < n; i++ {
		if <-results {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func tempDBPath(t testing.TB) string {
	return filepath.Join(t.TempDir(), "checkpoints.db")
}
