package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAliveDetectsWedgedScheduler(t *testing.T) {
	last := time.Now().Add(-time.Hour)
	s := New(Config{SchedulerWedgeTimeout: time.Second}, Probes{
		LastSchedulerProgress: func() time.Time { return last },
	}, nil)
	require.False(t, s.Alive())
}

func TestAliveDetectsMemoryThresholdBreach(t *testing.T) {
	s := New(Config{MemoryThresholdPercent: 50}, Probes{
		MemoryUsedPercent: func() float64 { return 95 },
	}, nil)
	require.False(t, s.Alive())
}

func TestAliveDetectsStuckWorkflows(t *testing.T) {
	s := New(Config{StuckWorkflowThreshold: 2, StuckWorkflowAge: time.Minute}, Probes{
		StuckWorkflows: func(olderThan time.Duration) int { return 3 },
	}, nil)
	require.False(t, s.Alive())
}

func TestAliveDetectsStaleHeartbeats(t *testing.T) {
	s := New(Config{HeartbeatStaleTimeout: time.Minute}, Probes{
		StaleHeartbeats: func(olderThan time.Duration) int { return 1 },
	}, nil)
	require.False(t, s.Alive())
}

func TestAliveWithNoProbesWiredIsAlwaysAlive(t *testing.T) {
	s := New(DefaultConfig(), Probes{}, nil)
	require.True(t, s.Alive())
}

func TestReadyRequiresAllThreeConditions(t *testing.T) {
	cases := []struct {
		name     string
		probes   Probes
		expected bool
	}{
		{"all pass", Probes{
			AdapterInitialized:      func() bool { return true },
			CheckpointStoreWritable: func() bool { return true },
			EligiblePoolCount:       func() int { return 1 },
		}, true},
		{"no adapter", Probes{
			AdapterInitialized:      func() bool { return false },
			CheckpointStoreWritable: func() bool { return true },
			EligiblePoolCount:       func() int { return 1 },
		}, false},
		{"store not writable", Probes{
			AdapterInitialized:      func() bool { return true },
			CheckpointStoreWritable: func() bool { return false },
			EligiblePoolCount:       func() int { return 1 },
		}, false},
		{"no eligible pools", Probes{
			AdapterInitialized:      func() bool { return true },
			CheckpointStoreWritable: func() bool { return true },
			EligiblePoolCount:       func() int { return 0 },
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(DefaultConfig(), tc.probes, nil)
			require.Equal(t, tc.expected, s.Ready())
		})
	}
}

func TestReportStaysDegradedThroughCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(Config{DegradedCooldown: 10 * time.Second}, Probes{}, clock)

	require.Equal(t, Degraded, s.Report("adapter-http", Degraded))

	now = now.Add(time.Second)
	require.Equal(t, Degraded, s.Report("adapter-http", Healthy), "should stay degraded within the cooldown")

	now = now.Add(20 * time.Second)
	require.Equal(t, Healthy, s.Report("adapter-http", Healthy), "should recover after the cooldown elapses")
}

func TestReportUnhealthyOverridesCooldown(t *testing.T) {
	s := New(DefaultConfig(), Probes{}, nil)
	s.Report("pool-a", Degraded)
	require.Equal(t, Unhealthy, s.Report("pool-a", Unhealthy))
}

func TestOverallReflectsWorstComponent(t *testing.T) {
	s := New(DefaultConfig(), Probes{}, nil)
	s.Report("a", Healthy)
	require.Equal(t, Healthy, s.Overall())

	s.Report("b", Degraded)
	require.Equal(t, Degraded, s.Overall())

	s.Report("c", Unhealthy)
	require.Equal(t, Unhealthy, s.Overall())
}

func TestComponentsReturnsSnapshot(t *testing.T) {
	s := New(DefaultConfig(), Probes{}, nil)
	s.Report("a", Healthy)
	s.Report("b", Degraded)

	snap := s.Components()
	require.Equal(t, Healthy, snap["a"])
	require.Equal(t, Degraded, snap["b"])
}
