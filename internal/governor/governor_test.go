package governor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/metrics"
)

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	g, err := New(Limits{
		MaxMemoryMB:    100,
		MaxCPUPercent:  80,
		MaxOpenFiles:   100,
		MaxConnections: 100,
		CheckInterval:  time.Second,
	}, reg, nil)
	require.NoError(t, err)
	return g
}

func TestMemoryViolationThrottlesCollectors(t *testing.T) {
	g := newTestGovernor(t)
	g.evaluate(Sample{At: time.Now(), MemoryMB: 120, CPUPercent: 10})
	require.LessOrEqual(t, g.Level("collectors"), 0.5)
}

func TestRecoveryRaisesLevelWhenBelowThreshold(t *testing.T) {
	g := newTestGovernor(t)
	g.evaluate(Sample{At: time.Now(), MemoryMB: 120, CPUPercent: 10})
	require.LessOrEqual(t, g.Level("collectors"), 0.5)

	g.mu.Lock()
	g.lastSample = Sample{At: time.Now(), MemoryMB: 60, CPUPercent: 10}
	g.mu.Unlock()

	g.recover()
	require.Greater(t, g.Level("collectors"), 0.5)
}

func TestEmergencyOnSustainedHighCPU(t *testing.T) {
	g := newTestGovernor(t)
	for i := 0; i < 5; i++ {
		g.evaluate(Sample{At: time.Now(), MemoryMB: 10, CPUPercent: 97})
	}
	select {
	case <-g.Emergency():
	default:
		t.Fatal("expected emergency channel to be closed after 5 consecutive high-CPU samples")
	}
}
