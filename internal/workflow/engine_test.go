package workflow

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/internal/audit"
	"github.com/lesleslie/mahavishnu/internal/breaker"
	"github.com/lesleslie/mahavishnu/internal/checkpoint"
	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/retry"
	"github.com/lesleslie/mahavishnu/pkg/ids"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

func openTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := checkpoint.Open(checkpoint.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, exec PoolExecutor) (*Engine, *audit.Buffer) {
	t.Helper()
	events := audit.NewBuffer(64)
	deps := Deps{
		Checkpoints: openTestStore(t),
		Breakers:    breaker.NewRegistry(nil),
		Execute:     exec,
		Events:      events,
		IDs:         ids.NewSource(nil),
		RetryPolicy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		StepTimeout: time.Second,
	}
	return New(deps), events
}

func steps(names ...string) []types.Step {
	out := make([]types.Step, len(names))
	for i, n := range names {
		out[i] = types.Step{Name: n, Inputs: map[string]any{"name": n}}
	}
	return out
}

func TestRunCompletesAllStepsAndDeletesCheckpoints(t *testing.T) {
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, events := newTestEngine(t, exec)

	id := e.Start("task-1", "pool-a", "", steps("fetch", "transform", "store"))
	err := e.Run(context.Background(), id)
	require.NoError(t, err)

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowSucceeded, wf.Status)
	require.Equal(t, 3, wf.CurrentStep)

	_, checkpointExists, err := e.deps.Checkpoints.GetLatest(string(id))
	require.NoError(t, err)
	require.False(t, checkpointExists)

	recent := events.Recent(0)
	var sawStarted, sawCompleted bool
	for _, ev := range recent {
		if ev.Type == "workflow.started" {
			sawStarted = true
		}
		if ev.Type == "workflow.completed" {
			sawCompleted = true
		}
	}
	require.True(t, sawStarted)
	require.True(t, sawCompleted)
}

func TestRunPreservesCheckpointOnTerminalFailure(t *testing.T) {
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		if payload["name"] == "transform" {
			return types.Result{}, errs.New(errs.Invalid, "bad input")
		}
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, _ := newTestEngine(t, exec)

	id := e.Start("task-2", "pool-a", "", steps("fetch", "transform", "store"))
	err := e.Run(context.Background(), id)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Invalid))

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowFailed, wf.Status)
	require.Equal(t, 1, wf.CurrentStep, "only the first step advanced before the failing second step")

	rec, found, err := e.deps.Checkpoints.GetLatest(string(id))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fetch", rec.Step)
}

func TestRunRetriesRetryableFailureThenSucceeds(t *testing.T) {
	var calls int32
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		if payload["name"] == "transform" && atomic.AddInt32(&calls, 1) < 3 {
			return types.Result{}, errs.New(errs.DependencyDown, "upstream flaky")
		}
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, _ := newTestEngine(t, exec)

	id := e.Start("task-3", "pool-a", "", steps("fetch", "transform"))
	err := e.Run(context.Background(), id)
	require.NoError(t, err)

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowSucceeded, wf.Status)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestRunCancelledMidStepPreservesCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		if payload["name"] == "transform" {
			close(started)
			<-ctx.Done()
			return types.Result{}, errs.Wrap(errs.Cancelled, ctx.Err(), "step interrupted")
		}
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, events := newTestEngine(t, exec)

	var cancelCalled int32
	e.deps.Cancel = func(ctx context.Context, poolID types.PoolID, taskID types.TaskID) error {
		atomic.AddInt32(&cancelCalled, 1)
		return nil
	}

	id := e.Start("task-4", "pool-a", "", steps("fetch", "transform", "store"))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, id) }()

	select {
	case <-started:
		cancel()
	case <-time.After(time.Second):
		t.Fatal("step never started")
	}

	err := <-done
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Cancelled))

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowCancelled, wf.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&cancelCalled))

	rec, found, err := e.deps.Checkpoints.GetLatest(string(id))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fetch", rec.Step)

	var sawCancelled bool
	for _, ev := range events.Recent(0) {
		if ev.Type == "workflow.cancelled" {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}

func TestResumeContinuesFromStepAfterLatestCheckpoint(t *testing.T) {
	var firstStepCalls, secondStepCalls int32
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		if payload["name"] == "fetch" {
			atomic.AddInt32(&firstStepCalls, 1)
		}
		if payload["name"] == "transform" {
			atomic.AddInt32(&secondStepCalls, 1)
		}
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, _ := newTestEngine(t, exec)

	id := e.Start("task-5", "pool-a", "", steps("fetch", "transform", "store"))
	_, err := e.deps.Checkpoints.Put(string(id), "fetch", []byte(`{"ok":true}`), 0)
	require.NoError(t, err)

	err = e.Resume(context.Background(), id)
	require.NoError(t, err)

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowSucceeded, wf.Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&firstStepCalls), "fetch should not re-run after resume")
	require.Equal(t, int32(1), atomic.LoadInt32(&secondStepCalls), "transform should run exactly once after resume")
}

func TestRunUnknownWorkflowReturnsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		return types.Result{}, nil
	})

	err := e.Run(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestCancelStopsInFlightStepAndTransitionsToCancelled(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		close(started)
		select {
		case <-time.After(60 * time.Second):
			return types.Result{Success: true}, nil
		case <-ctx.Done():
			return types.Result{}, ctx.Err()
		}
	}
	e, _ := newTestEngine(t, exec)
	e.deps.StepTimeout = 90 * time.Second

	id := e.Start("task-cancel", "pool-a", "", steps("sleep"))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), id) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("step never started")
	}

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, e.Cancel(id))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("workflow did not stop within grace period")
	}

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowCancelled, wf.Status)
}

func TestCancelUnknownWorkflowReturnsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		return types.Result{}, nil
	})
	err := e.Cancel("missing")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestCancelIsNoOpAfterWorkflowCompletes(t *testing.T) {
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, _ := newTestEngine(t, exec)

	id := e.Start("task-6", "pool-a", "", steps("fetch"))
	require.NoError(t, e.Run(context.Background(), id))

	require.NoError(t, e.Cancel(id))

	wf, ok := e.Get(id)
	require.True(t, ok)
	require.Equal(t, types.WorkflowSucceeded, wf.Status, "cancelling a finished workflow must not alter its terminal status")
}

func TestListFiltersByStatusAndAdapterAndPaginates(t *testing.T) {
	exec := func(ctx context.Context, poolID types.PoolID, payload map[string]any, timeout time.Duration) (types.Result, error) {
		return types.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	}
	e, _ := newTestEngine(t, exec)

	idA := e.Start("task-a", "pool-a", "local", steps("fetch"))
	idB := e.Start("task-b", "pool-a", "remote", steps("fetch"))
	idC := e.Start("task-c", "pool-a", "local", steps("fetch"))
	require.NoError(t, e.Run(context.Background(), idA))
	require.NoError(t, e.Run(context.Background(), idB))
	require.NoError(t, e.Run(context.Background(), idC))

	all := e.List(ListFilter{})
	require.Len(t, all, 3)

	local := e.List(ListFilter{Adapter: "local"})
	require.Len(t, local, 2)
	for _, wf := range local {
		require.Equal(t, "local", wf.Adapter)
	}

	succeeded := e.List(ListFilter{Status: types.WorkflowSucceeded})
	require.Len(t, succeeded, 3)

	paged := e.List(ListFilter{Limit: 1, Offset: 1})
	require.Len(t, paged, 1)
	require.Equal(t, all[1].ID, paged[0].ID)

	require.Empty(t, e.List(ListFilter{Offset: 10}))
}
