package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/internal/worker"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

func echoExec(ctx context.Context, payload map[string]any) (types.Result, error) {
	return types.Result{Success: true, Output: payload}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	wm := worker.NewManager(worker.DefaultConfig(), nil)
	t.Cleanup(wm.Shutdown)
	return NewManager(wm, nil)
}

func TestSpawnPoolCreatesMinWorkers(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 3, MaxWorkers: 5, Exec: echoExec})
	require.NoError(t, err)

	metrics := m.List()[id]
	require.Equal(t, 3, metrics.ActiveWorkers)
}

func TestExecuteRoundRobinsAcrossWorkers(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 2, MaxWorkers: 2, Exec: echoExec})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		result, err := m.Execute(context.Background(), id, map[string]any{"i": i}, time.Second)
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	metrics := m.List()[id]
	require.EqualValues(t, 4, metrics.Completed)
}

func TestScaleUpWithinBounds(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 1, MaxWorkers: 5, Exec: echoExec})
	require.NoError(t, err)

	require.NoError(t, m.Scale(context.Background(), id, 4))
	require.Equal(t, 4, m.List()[id].ActiveWorkers)
}

func TestScaleRejectsOutOfBoundsTarget(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 1, MaxWorkers: 3, Exec: echoExec})
	require.NoError(t, err)

	err = m.Scale(context.Background(), id, 10)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Invalid))
}

func TestScaleDownWithinBounds(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 2, MaxWorkers: 4, Exec: echoExec})
	require.NoError(t, err)

	require.NoError(t, m.Scale(context.Background(), id, 4))
	require.NoError(t, m.Scale(context.Background(), id, 2))
	require.Equal(t, 2, m.List()[id].ActiveWorkers)
}

func TestDrainStopsNewWorkAndCloses(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 1, MaxWorkers: 1, Exec: echoExec})
	require.NoError(t, err)

	require.NoError(t, m.Drain(context.Background(), id, time.Millisecond))

	_, err = m.Execute(context.Background(), id, nil, time.Second)
	require.Error(t, err)
}

func TestCloseIsImmediate(t *testing.T) {
	m := newTestManager(t)
	id, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 1, MaxWorkers: 1, Exec: echoExec})
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background(), id))
	health, err := m.Health(id)
	require.NoError(t, err)
	require.Equal(t, "unhealthy", health)
}

func TestSearchMemoryFederatesAcrossPools(t *testing.T) {
	m := newTestManager(t)
	idA, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 0, MaxWorkers: 1, Exec: echoExec})
	require.NoError(t, err)
	idB, err := m.SpawnPool(Spec{WorkerType: "local", MinWorkers: 0, MaxWorkers: 1, Exec: echoExec})
	require.NoError(t, err)

	require.NoError(t, m.Remember(idA, "fact-1", "paris is the capital of france"))
	require.NoError(t, m.Remember(idB, "fact-2", "tokyo is the capital of japan"))

	hits := m.SearchMemory("capital", 10)
	require.Len(t, hits, 2)
}

func TestExecuteOnUnknownPoolIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Execute(context.Background(), types.PoolID("missing"), nil, time.Second)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}
