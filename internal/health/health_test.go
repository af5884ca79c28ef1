package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOverallStatusEscalatesToUnhealthy(t *testing.T) {
	m := New(Config{CheckInterval: time.Second, MetricsRetention: time.Minute}, nil, nil)
	m.PushSystemSample(SystemSample{CPUPercent: 10, MemoryPercent: 10, DiskPercent: 10})
	m.PushComponentSample(ComponentSample{Name: "transport", ErrorRate5Min: 20})

	overall, perComponent := m.Check(context.Background())
	require.Equal(t, StatusUnhealthy, overall)
	require.Equal(t, StatusUnhealthy, perComponent["transport"])
}

func TestAlertDedupWithinFiveMinutes(t *testing.T) {
	m := New(Config{CheckInterval: time.Second, MetricsRetention: time.Minute}, nil, nil)
	m.PushComponentSample(ComponentSample{Name: "buffer", ErrorRate5Min: 20})

	m.Check(context.Background())
	m.Check(context.Background())

	alerts := m.GetAlerts(24)
	require.Len(t, alerts, 1)
}

func TestSuccessRateInvertedThresholds(t *testing.T) {
	rate := 70.0
	status := deriveMetricStatus(rate, successWarn, successCrit, true)
	require.Equal(t, StatusCritical, status)
}
