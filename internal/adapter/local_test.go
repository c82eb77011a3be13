package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/pkg/types"
)

func TestLocalExecuteDispatchesToRegisteredExecutor(t *testing.T) {
	l := NewLocal()
	l.Register("greet", func(ctx context.Context, step types.Step) (map[string]any, error) {
		return map[string]any{"msg": "hi " + step.Inputs["name"].(string)}, nil
	})
	require.NoError(t, l.Initialize(context.Background()))

	result, err := l.Execute(context.Background(), types.Step{Name: "greet", Inputs: map[string]any{"name": "ada"}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "hi ada", result.Output["msg"])
}

func TestLocalExecuteUnregisteredStepIsInvalid(t *testing.T) {
	l := NewLocal()
	require.NoError(t, l.Initialize(context.Background()))

	_, err := l.Execute(context.Background(), types.Step{Name: "missing"})
	require.Error(t, err)
}

func TestLocalExecuteRespectsCancellation(t *testing.T) {
	l := NewLocal()
	unblock := make(chan struct{})
	l.Register("slow", func(ctx context.Context, step types.Step) (map[string]any, error) {
		<-unblock
		return nil, nil
	})
	require.NoError(t, l.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Execute(ctx, types.Step{Name: "slow"})
	require.ErrorIs(t, err, context.Canceled)
	close(unblock)
}

func TestLocalHealthReflectsInitializeAndShutdown(t *testing.T) {
	l := NewLocal()
	h, err := l.Health(context.Background())
	require.NoError(t, err)
	require.False(t, h.Healthy)

	require.NoError(t, l.Initialize(context.Background()))
	h, err = l.Health(context.Background())
	require.NoError(t, err)
	require.True(t, h.Healthy)

	require.NoError(t, l.Shutdown(context.Background()))
	h, err = l.Health(context.Background())
	require.NoError(t, err)
	require.False(t, h.Healthy)
}
