package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)
	require.NotNil(t, c)
}

func TestWorkflowCounters(t *testing.T) {
	c := newTestCollector(t)
	assert.NotPanics(t, func() {
		c.RecordWorkflowStarted()
		c.RecordWorkflowCompleted()
		c.RecordWorkflowFailed()
		c.RecordWorkflowCancelled()
	})
}

func TestRecordStepDurationPerPool(t *testing.T) {
	c := newTestCollector(t)
	assert.NotPanics(t, func() {
		c.RecordStepDuration("pool-a", 0.05)
		c.RecordStepDuration("pool-b", 1.2)
	})
}

func TestUpdatePoolStats(t *testing.T) {
	c := newTestCollector(t)
	testCases := []struct {
		name                     string
		active, queued, inFlight int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 4, 2, 2},
		{"high queue", 8, 100, 8},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				c.UpdatePoolStats("pool-a", tc.active, tc.queued, tc.inFlight)
			})
		})
	}
}

func TestSetBreakerStateZeroesOtherStates(t *testing.T) {
	c := newTestCollector(t)
	c.SetBreakerState("adapter-http", "open")

	require.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("adapter-http", "open")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("adapter-http", "closed")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("adapter-http", "half_open")))
}

func TestRecordAdmissionOutcomes(t *testing.T) {
	c := newTestCollector(t)
	assert.NotPanics(t, func() {
		c.RecordAdmission("admitted")
		c.RecordAdmission("exhausted")
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := newTestCollector(t)
	done := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordWorkflowStarted()
			c.RecordStepDuration("pool-a", 0.1)
			c.UpdatePoolStats("pool-a", 1, 1, 1)
			done <- true
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}

func TestEachCollectorUsesItsOwnRegistry(t *testing.T) {
	c1 := newTestCollector(t)
	c2 := newTestCollector(t)
	assert.NotPanics(t, func() {
		c1.RecordWorkflowStarted()
		c2.RecordWorkflowStarted()
	}, "two collectors on separate registries must not collide")
}
