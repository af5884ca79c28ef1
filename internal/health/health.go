// Package health implements the health monitor: a system probe plus
// per-component probes, status derivation, alerting with dedup/pruning, and
// a ring-buffer history, grounded on agent/core/health.py (HealthChecker
// hierarchy, threshold tables reproduced verbatim).
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/securewatch/agent/internal/metrics"
)

// Status is a metric or component's derived status.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusWarning
	StatusCritical
	StatusDegraded
	StatusUnhealthy
)

// Metric is one measured health value.
type Metric struct {
	Name      string
	Value     float64
	Unit      string
	Timestamp time.Time
	Status    Status
	Warn      *float64
	Critical  *float64
	Metadata  map[string]string
}

// deriveMetricStatus applies warn/critical thresholds. Inverted means a
// lower value is worse (e.g. transport success_rate).
func deriveMetricStatus(value float64, warn, critical *float64, inverted bool) Status {
	if critical == nil && warn == nil {
		return StatusUnknown
	}
	if inverted {
		if critical != nil && value <= *critical {
			return StatusCritical
		}
		if warn != nil && value <= *warn {
			return StatusWarning
		}
		return StatusHealthy
	}
	if critical != nil && value >= *critical {
		return StatusCritical
	}
	if warn != nil && value >= *warn {
		return StatusWarning
	}
	return StatusHealthy
}

func ptr(f float64) *float64 { return &f }

// Default thresholds, from health.py.
var (
	cpuWarn, cpuCrit           = ptr(70), ptr(90)
	memWarn, memCrit           = ptr(80), ptr(95)
	diskWarn, diskCrit         = ptr(85), ptr(95)
	loadWarn, loadCrit         = ptr(80), ptr(95)
	connWarn, connCrit         = ptr(1000), ptr(2000)
	filesWarn, filesCrit       = ptr(800), ptr(950)
	respWarn, respCrit         = ptr(60), ptr(300)
	errRateWarn, errRateCrit   = ptr(5), ptr(15)
	successWarn, successCrit   = ptr(95), ptr(80) // inverted
	bufUtilWarn, bufUtilCrit   = ptr(80), ptr(95)
)

// SystemSample is one system-probe measurement.
type SystemSample struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	LoadAveragePct    *float64
	NetworkConnections float64
	OpenFiles         float64
}

// ComponentSample is one per-component probe measurement.
type ComponentSample struct {
	Name               string
	LastUpdateAge      time.Duration
	ErrorRate5Min       float64
	SuccessRatePercent *float64 // transport only
	BufferUtilization  *float64 // buffer only
}

// Alert records a component becoming non-healthy.
type Alert struct {
	Component string
	Timestamp time.Time
	Status    Status
	Message   string
	Metrics   []Metric
}

// ringBuffer is a fixed-capacity history of metric snapshots per probe.
type ringBuffer struct {
	items []Metric
	cap   int
	pos   int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{items: make([]Metric, capacity), cap: capacity}
}

func (r *ringBuffer) push(m Metric) {
	r.items[r.pos] = m
	r.pos = (r.pos + 1) % r.cap
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) all() []Metric {
	if !r.full {
		return append([]Metric(nil), r.items[:r.pos]...)
	}
	out := make([]Metric, 0, r.cap)
	out = append(out, r.items[r.pos:]...)
	out = append(out, r.items[:r.pos]...)
	return out
}

// Config configures the Monitor.
type Config struct {
	CheckInterval    time.Duration
	MetricsRetention time.Duration
}

// Monitor is the health monitor: components push stats/errors into it, it
// does not hold component references (spec.md §9's redesign note on
// breaking the supervisor<->monitor<->component cycle).
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry

	mu         sync.Mutex
	history    map[string]*ringBuffer
	alerts     []Alert
	alertStore AlertStore
	components map[string]ComponentSample
	system     SystemSample
}

// New builds a Monitor backed by an in-process alert-dedup store. Use
// NewWithStore to plug in RedisAlertStore for HealthConfig.AlertStore =
// "redis" deployments.
func New(cfg Config, reg *metrics.Registry, logger *slog.Logger) *Monitor {
	return NewWithStore(cfg, reg, logger, newMemoryAlertStore())
}

// NewWithStore builds a Monitor using the given AlertStore for dedup.
func NewWithStore(cfg Config, reg *metrics.Registry, logger *slog.Logger, store AlertStore) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := 1
	if cfg.CheckInterval > 0 {
		capacity = int(cfg.MetricsRetention / cfg.CheckInterval)
		if capacity < 1 {
			capacity = 1
		}
	}
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		metrics:    reg,
		history:    map[string]*ringBuffer{"system": newRingBuffer(capacity)},
		alertStore: store,
		components: make(map[string]ComponentSample),
	}
}

// PushSystemSample records the latest system probe measurement.
func (m *Monitor) PushSystemSample(s SystemSample) {
	m.mu.Lock()
	m.system = s
	m.mu.Unlock()
}

// PushComponentSample records the latest per-component probe measurement —
// components call this themselves; the monitor never polls them.
func (m *Monitor) PushComponentSample(s ComponentSample) {
	m.mu.Lock()
	m.components[s.Name] = s
	m.mu.Unlock()
}

// systemMetrics derives Metric values from the last system sample.
func (m *Monitor) systemMetrics(s SystemSample) []Metric {
	now := time.Now().UTC()
	metricsOut := []Metric{
		{Name: "cpu_percent", Value: s.CPUPercent, Unit: "%", Timestamp: now, Warn: cpuWarn, Critical: cpuCrit,
			Status: deriveMetricStatus(s.CPUPercent, cpuWarn, cpuCrit, false)},
		{Name: "memory_percent", Value: s.MemoryPercent, Unit: "%", Timestamp: now, Warn: memWarn, Critical: memCrit,
			Status: deriveMetricStatus(s.MemoryPercent, memWarn, memCrit, false)},
		{Name: "disk_percent", Value: s.DiskPercent, Unit: "%", Timestamp: now, Warn: diskWarn, Critical: diskCrit,
			Status: deriveMetricStatus(s.DiskPercent, diskWarn, diskCrit, false)},
		{Name: "network_connections", Value: s.NetworkConnections, Unit: "count", Timestamp: now, Warn: connWarn, Critical: connCrit,
			Status: deriveMetricStatus(s.NetworkConnections, connWarn, connCrit, false)},
		{Name: "open_files", Value: s.OpenFiles, Unit: "count", Timestamp: now, Warn: filesWarn, Critical: filesCrit,
			Status: deriveMetricStatus(s.OpenFiles, filesWarn, filesCrit, false)},
	}
	if s.LoadAveragePct != nil {
		metricsOut = append(metricsOut, Metric{
			Name: "load_average_pct", Value: *s.LoadAveragePct, Unit: "%", Timestamp: now, Warn: loadWarn, Critical: loadCrit,
			Status: deriveMetricStatus(*s.LoadAveragePct, loadWarn, loadCrit, false),
		})
	}
	return metricsOut
}

func (m *Monitor) componentMetrics(c ComponentSample) []Metric {
	now := time.Now().UTC()
	ageSeconds := c.LastUpdateAge.Seconds()
	out := []Metric{
		{Name: "responsiveness", Value: ageSeconds, Unit: "s", Timestamp: now, Warn: respWarn, Critical: respCrit,
			Status: deriveMetricStatus(ageSeconds, respWarn, respCrit, false)},
		{Name: "error_rate_5m", Value: c.ErrorRate5Min, Unit: "count", Timestamp: now, Warn: errRateWarn, Critical: errRateCrit,
			Status: deriveMetricStatus(c.ErrorRate5Min, errRateWarn, errRateCrit, false)},
	}
	if c.SuccessRatePercent != nil {
		out = append(out, Metric{
			Name: "success_rate", Value: *c.SuccessRatePercent, Unit: "%", Timestamp: now, Warn: successWarn, Critical: successCrit,
			Status: deriveMetricStatus(*c.SuccessRatePercent, successWarn, successCrit, true),
		})
	}
	if c.BufferUtilization != nil {
		out = append(out, Metric{
			Name: "buffer_utilization", Value: *c.BufferUtilization, Unit: "%", Timestamp: now, Warn: bufUtilWarn, Critical: bufUtilCrit,
			Status: deriveMetricStatus(*c.BufferUtilization, bufUtilWarn, bufUtilCrit, false),
		})
	}
	return out
}

// componentStatus derives overall status from a metric slice: critical
// present -> unhealthy; warning present -> degraded; else healthy; no
// metrics -> unknown.
func componentStatus(metricsIn []Metric) Status {
	if len(metricsIn) == 0 {
		return StatusUnknown
	}
	hasCritical, hasWarning := false, false
	for _, mtr := range metricsIn {
		switch mtr.Status {
		case StatusCritical:
			hasCritical = true
		case StatusWarning:
			hasWarning = true
		}
	}
	switch {
	case hasCritical:
		return StatusUnhealthy
	case hasWarning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Check runs one health-check cycle: derive status for system + every
// component, alert on new non-healthy transitions, prune old alerts, and
// push a history sample.
func (m *Monitor) Check(ctx context.Context) (overall Status, perComponent map[string]Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sysMetrics := m.systemMetrics(m.system)
	sysStatus := componentStatus(sysMetrics)
	for _, mtr := range sysMetrics {
		m.history["system"].push(mtr)
	}
	m.maybeAlert(ctx, "system", sysStatus, sysMetrics)
	if m.metrics != nil {
		m.metrics.HealthComponentStatus.WithLabelValues("system").Set(float64(sysStatus))
	}

	perComponent = map[string]Status{"system": sysStatus}
	overall = sysStatus

	for name, sample := range m.components {
		cms := m.componentMetrics(sample)
		st := componentStatus(cms)
		if _, ok := m.history[name]; !ok {
			capacity := 1
			if m.cfg.CheckInterval > 0 {
				capacity = int(m.cfg.MetricsRetention / m.cfg.CheckInterval)
			}
			m.history[name] = newRingBuffer(capacity)
		}
		for _, mtr := range cms {
			m.history[name].push(mtr)
		}
		m.maybeAlert(ctx, name, st, cms)
		perComponent[name] = st
		if m.metrics != nil {
			m.metrics.HealthComponentStatus.WithLabelValues(name).Set(float64(st))
		}

		if st == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if st == StatusDegraded && overall != StatusUnhealthy {
			overall = StatusDegraded
		}
	}

	m.pruneAlerts()
	return overall, perComponent
}

// maybeAlert records a new alert when component becomes non-healthy and the
// configured AlertStore says its dedup window (5 minutes) has elapsed.
func (m *Monitor) maybeAlert(ctx context.Context, component string, status Status, metricsIn []Metric) {
	if status != StatusUnhealthy && status != StatusDegraded {
		return
	}
	should, err := m.alertStore.ShouldAlert(ctx, component, 5*time.Minute)
	if err != nil {
		m.logger.Warn("alert dedup check failed, alerting anyway", "component", component, "error", err)
	} else if !should {
		return
	}
	m.alerts = append(m.alerts, Alert{
		Component: component,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Message:   component + " is " + statusString(status),
		Metrics:   metricsIn,
	})
	m.logger.Warn("health alert", "component", component, "status", statusString(status))
}

func (m *Monitor) pruneAlerts() {
	cutoff := time.Now().UTC().Add(-1 * time.Hour)
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
}

func statusString(s Status) string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// GetAlerts returns alerts recorded within the last `hours` hours.
func (m *Monitor) GetAlerts(hours int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var out []Alert
	for _, a := range m.alerts {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Close releases the monitor's AlertStore (a no-op for the in-process
// default, a connection close for RedisAlertStore).
func (m *Monitor) Close() error {
	return m.alertStore.Close()
}

// GetMetricsHistory returns the retained ring-buffer samples for probe
// (e.g. "system", "transport").
func (m *Monitor) GetMetricsHistory(probe string) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	rb, ok := m.history[probe]
	if !ok {
		return nil
	}
	return rb.all()
}
