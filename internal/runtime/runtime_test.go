package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lesleslie/mahavishnu/pkg/ids"
)

func TestNewUsesRealClockByDefault(t *testing.T) {
	r := New()
	before := time.Now()
	require.False(t, r.Now().Before(before.Add(-time.Second)))
}

func TestTestRuntimePinsClock(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Test(t0)
	require.Equal(t, t0, r.Now())
	require.Equal(t, t0, r.Now(), "clock does not advance on its own")
}

func TestWithIDsOverridesSource(t *testing.T) {
	src := ids.NewSource(nil)
	r := New(WithIDs(src))
	require.Same(t, src, r.IDs)
	first := r.IDs.New()
	require.Len(t, first, 26)
}

func TestEachRuntimeGetsAPrivateRegistry(t *testing.T) {
	r1 := New()
	r2 := New()
	require.NotSame(t, r1.Registry, r2.Registry)
}
