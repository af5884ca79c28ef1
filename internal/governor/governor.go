// Package governor implements the resource governor: it measures process
// resource usage and applies graded throttling to named components,
// grounded on agent/core/resource_manager.py (ResourceMonitor /
// ResourceThrottler / ResourceManager, thresholds and violation routing
// reproduced verbatim) using github.com/shirou/gopsutil/v4 for process/host
// sampling and golang.org/x/time/rate for the per-component limiters that
// Limiter hands out. Components read the levels it computes and throttle
// themselves.
package governor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/time/rate"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/metrics"
)

// Limits are the governor's hard resource limits (spec.md §4.7).
type Limits struct {
	MaxMemoryMB       int
	MaxCPUPercent     float64
	MaxOpenFiles      int
	MaxConnections    int
	MaxEventsPerMin   int
	CheckInterval     time.Duration
}

// Sample is one resource measurement.
type Sample struct {
	At          time.Time
	MemoryMB    float64
	CPUPercent  float64
	OpenFiles   int
	Connections int
	EventRate   int
}

// Governor measures process usage on an interval and publishes per-
// component throttle levels in [0,1] that components voluntarily honor.
type Governor struct {
	limits  Limits
	logger  *slog.Logger
	metrics *metrics.Registry
	proc    *process.Process

	mu                 sync.RWMutex
	levels             map[string]float64
	limiters           map[string]*rate.Limiter
	lastSample         Sample
	consecutiveHighCPU int
	eventTimestamps    []time.Time

	emergencyCh chan struct{}
	emergencyOnce sync.Once
}

// New builds a Governor for the current process.
func New(limits Limits, reg *metrics.Registry, logger *slog.Logger) (*Governor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, agenterrors.NewResourceLimitError("failed to attach to own process for resource sampling", err)
	}
	return &Governor{
		limits:      limits,
		logger:      logger,
		metrics:     reg,
		proc:        proc,
		levels:      make(map[string]float64),
		limiters:    make(map[string]*rate.Limiter),
		emergencyCh: make(chan struct{}),
	}, nil
}

// Emergency returns a channel closed once an emergency shutdown condition
// fires (memory above 150% of its limit in one sample, or CPU above 95% in
// 5 consecutive samples).
func (g *Governor) Emergency() <-chan struct{} { return g.emergencyCh }

// Level returns the current throttle level for component, defaulting to
// 1.0 (unthrottled) if never set.
func (g *Governor) Level(component string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if l, ok := g.levels[component]; ok {
		return l
	}
	return 1.0
}

// Limiter returns (creating if needed) a token-bucket limiter for
// component. Its rate is baseRatePerSecond times the component's level at
// the moment it is created; later level changes do not reconfigure it.
func (g *Governor) Limiter(component string, baseRatePerSecond float64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[component]
	if !ok {
		level := g.levels[component]
		if level == 0 {
			level = 1.0
		}
		lim = rate.NewLimiter(rate.Limit(baseRatePerSecond*level), 1)
		g.limiters[component] = lim
	}
	return lim
}

// RecordEvent appends now to the 60-second sliding event-rate window
// (spec.md §4.7's "rate accounting": "a record_event() call appends now to
// the sliding window; samples older than 60s are pruned lazily on each
// sample"). Called once per collector tick (spec.md §4.3 step 2).
func (g *Governor) RecordEvent() {
	g.mu.Lock()
	g.eventTimestamps = append(g.eventTimestamps, time.Now())
	g.mu.Unlock()
}

// eventRate prunes timestamps older than 60s and returns the remaining
// count, which is the events/minute figure the governor samples and
// evaluates against MaxEventsPerMin.
func (g *Governor) eventRate() int {
	cutoff := time.Now().Add(-60 * time.Second)
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.eventTimestamps[:0]
	for _, t := range g.eventTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.eventTimestamps = kept
	return len(kept)
}

func (g *Governor) setLevel(component string, level float64) {
	g.mu.Lock()
	g.levels[component] = level
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ThrottleLevel.WithLabelValues(component).Set(level)
	}
}

// Run samples resource usage every CheckInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.limits.CheckInterval)
	defer ticker.Stop()

	recoveryTicker := time.NewTicker(30 * time.Second)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample, err := g.sample()
			if err != nil {
				g.logger.Warn("resource sampling failed", "error", err)
				continue
			}
			g.mu.Lock()
			g.lastSample = sample
			g.mu.Unlock()
			g.evaluate(sample)
		case <-recoveryTicker.C:
			g.recover()
		}
	}
}

func (g *Governor) sample() (Sample, error) {
	memInfo, err := g.proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	cpuPercent, err := g.proc.CPUPercent()
	if err != nil {
		return Sample{}, err
	}
	var openFiles int
	if files, err := g.proc.OpenFiles(); err == nil {
		openFiles = len(files)
	}
	var conns int
	if c, err := net.Connections("all"); err == nil {
		conns = len(c)
	}

	return Sample{
		At:          time.Now().UTC(),
		MemoryMB:    float64(memInfo.RSS) / (1024 * 1024),
		CPUPercent:  cpuPercent,
		OpenFiles:   openFiles,
		Connections: conns,
		EventRate:   g.eventRate(),
	}, nil
}

// evaluate routes violations to throttle levels, exactly per
// resource_manager.py:
//
//	Memory or CPU violation   -> throttle "collectors" to 0.5
//	Network-connection violation -> throttle "transport" to 0.7
//	File-handle violation     -> throttle "buffer" to 0.6
//	Event-rate violation      -> throttle "event_processing" to 0.3
//
// Memory above 150% of its limit in one sample, or CPU above 95% in 5
// consecutive samples, triggers emergency shutdown.
func (g *Governor) evaluate(s Sample) {
	memRatio := s.MemoryMB / float64(g.limits.MaxMemoryMB)
	cpuRatio := s.CPUPercent / g.limits.MaxCPUPercent

	if memRatio > 1.0 || cpuRatio > 1.0 {
		g.lowerLevel("collectors", 0.5)
	}
	if g.limits.MaxConnections > 0 && s.Connections > g.limits.MaxConnections {
		g.lowerLevel("transport", 0.7)
	}
	if g.limits.MaxOpenFiles > 0 && s.OpenFiles > g.limits.MaxOpenFiles {
		g.lowerLevel("buffer", 0.6)
	}
	if g.limits.MaxEventsPerMin > 0 && s.EventRate > g.limits.MaxEventsPerMin {
		g.lowerLevel("event_processing", 0.3)
	}

	if s.CPUPercent > 95 {
		g.consecutiveHighCPU++
	} else {
		g.consecutiveHighCPU = 0
	}

	if memRatio > 1.5 || g.consecutiveHighCPU >= 5 {
		g.emergencyOnce.Do(func() {
			g.logger.Error("resource governor emergency condition",
				"memory_ratio", memRatio, "consecutive_high_cpu", g.consecutiveHighCPU)
			close(g.emergencyCh)
		})
	}
}

// lowerLevel only ever lowers a component's level via the violation path;
// recover() is the only path that raises it.
func (g *Governor) lowerLevel(component string, ceiling float64) {
	g.mu.RLock()
	current, ok := g.levels[component]
	g.mu.RUnlock()
	if !ok {
		current = 1.0
	}
	if current > ceiling {
		g.setLevel(component, ceiling)
	}
}

// recover raises every throttled component's level by +0.2 if the last
// sample was below 70% of all limits, removing the throttle entry once it
// reaches 1.0 (resource_manager.py's recovery tick, every 30s).
func (g *Governor) recover() {
	g.mu.RLock()
	s := g.lastSample
	g.mu.RUnlock()
	if s.At.IsZero() {
		return
	}

	memRatio := s.MemoryMB / float64(g.limits.MaxMemoryMB)
	cpuRatio := s.CPUPercent / g.limits.MaxCPUPercent
	connRatio := 0.0
	if g.limits.MaxConnections > 0 {
		connRatio = float64(s.Connections) / float64(g.limits.MaxConnections)
	}
	filesRatio := 0.0
	if g.limits.MaxOpenFiles > 0 {
		filesRatio = float64(s.OpenFiles) / float64(g.limits.MaxOpenFiles)
	}
	eventRateRatio := 0.0
	if g.limits.MaxEventsPerMin > 0 {
		eventRateRatio = float64(s.EventRate) / float64(g.limits.MaxEventsPerMin)
	}

	if memRatio >= 0.7 || cpuRatio >= 0.7 || connRatio >= 0.7 || filesRatio >= 0.7 || eventRateRatio >= 0.7 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for component, level := range g.levels {
		level += 0.2
		if level >= 1.0 {
			delete(g.levels, component)
			if g.metrics != nil {
				g.metrics.ThrottleLevel.WithLabelValues(component).Set(1.0)
			}
			continue
		}
		g.levels[component] = level
		if g.metrics != nil {
			g.metrics.ThrottleLevel.WithLabelValues(component).Set(level)
		}
	}
}

// Usage is the GetUsage() diagnostic payload from resource_manager.py,
// carried in the supervisor's status snapshot (Status.Resources). The
// diagnostic API's /health response does not include it.
type Usage struct {
	Sample Sample
	Limits Limits
	Levels map[string]float64
}

// GetUsage returns the current sample, configured limits, and throttle
// levels.
func (g *Governor) GetUsage() Usage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	levels := make(map[string]float64, len(g.levels))
	for k, v := range g.levels {
		levels[k] = v
	}
	return Usage{Sample: g.lastSample, Limits: g.limits, Levels: levels}
}
