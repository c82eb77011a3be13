package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/internal/errs"
	"github.com/lesleslie/mahavishnu/pkg/types"
)

func callFailing(ctx context.Context) (types.Result, error) {
	return types.Result{}, errors.New("dependency unreachable")
}

func callSucceeding(ctx context.Context) (types.Result, error) {
	return types.Result{Success: true}, nil
}

func TestBreakerOpensAfterConsecutiveThreshold(t *testing.T) {
	cfg := DefaultConfig("svc")
	b := New(cfg)

	for i := 0; i < cfg.ConsecutiveThreshold; i++ {
		_, err := b.Execute(context.Background(), callFailing)
		require.Error(t, err)
	}

	require.Equal(t, types.BreakerOpen, b.State())

	// Next call must fail fast without invoking fn.
	called := false
	_, err := b.Execute(context.Background(), func(ctx context.Context) (types.Result, error) {
		called = true
		return types.Result{}, nil
	})
	require.False(t, called)
	require.True(t, errs.Is(err, errs.DependencyDown))
}

func TestBreakerClosesAfterCooldownAndSuccessfulProbe(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.Cooldown = 10 * time.Millisecond
	cfg.ConsecutiveThreshold = 1
	b := New(cfg)

	_, err := b.Execute(context.Background(), callFailing)
	require.Error(t, err)
	require.Equal(t, types.BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, types.BreakerHalfOpen, b.State())

	_, err = b.Execute(context.Background(), callSucceeding)
	require.NoError(t, err)
	require.Equal(t, types.BreakerClosed, b.State())
}

func TestBreakerReopensAndEscalatesCooldownOnFailedProbe(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.Cooldown = 10 * time.Millisecond
	cfg.ConsecutiveThreshold = 1
	b := New(cfg)

	_, _ = b.Execute(context.Background(), callFailing)
	require.Equal(t, types.BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, types.BreakerHalfOpen, b.State())

	_, err := b.Execute(context.Background(), callFailing)
	require.Error(t, err)
	require.Equal(t, types.BreakerOpen, b.State())
	require.Equal(t, 20*time.Millisecond, b.currentCooldown)
}

func TestRegistryReusesBreakerPerName(t *testing.T) {
	r := NewRegistry(nil)
	require.Same(t, r.Get("a"), r.Get("a"))
	require.NotSame(t, r.Get("a"), r.Get("b"))
}
