// Package collector defines the capability contract every log source
// implements and the shared collection loop that drives them, grounded on
// agent/core/collectors/base.py (Collector ABC, collection loop, filter
// chain, event enrichment) with the worker-lifecycle idiom (mutex-guarded
// running flag, Start/Stop, Stats) from
// internal/core/processing/async_processor.go.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/model"
)

// Sink is where a running collector deposits collected events; the hot
// buffer is the only production implementation.
type Sink interface {
	Insert(ctx context.Context, agentID string, events []model.Event) error
}

// Throttler is the narrow slice of the resource governor a collector
// consults before every poll and records its activity with.
type Throttler interface {
	Level(component string) float64
	RecordEvent()
}

// Source is the capability contract every concrete collector implements.
// Collector drives these through the shared collection loop; a source
// never schedules its own polling.
type Source interface {
	// Initialize acquires collector-specific resources (file handles,
	// listeners, registry handles). Called once before the loop starts.
	Initialize(ctx context.Context) error
	// Cleanup releases collector-specific resources. Called once after the
	// loop has stopped, even if Initialize failed partway through.
	Cleanup(ctx context.Context) error
	// CollectEvents returns zero or more newly observed events. Called once
	// per poll interval.
	CollectEvents(ctx context.Context) ([]model.Event, error)
	// TestConnection probes reachability of the underlying log source
	// without collecting; Collector.TestConnection exposes it to callers.
	TestConnection(ctx context.Context) error
	// Info reports static, collector-specific metadata.
	Info() map[string]any
}

// Metrics is the set of counters a Collector updates every poll; the
// Prometheus registry implements it alongside its other responsibilities.
type Metrics struct {
	EventsCollected func(name string, n int)
	CollectionError func(name string)
}

// Collector wraps a Source with the shared lifecycle and collection loop
// every source goes through identically: throttle check, poll, filter,
// enrich, buffer, repeat.
type Collector struct {
	source  Source
	cfg     config.CollectorConfig
	agentID string
	sink    Sink
	throttler Throttler
	metrics Metrics
	logger  *slog.Logger
	filters *FilterChain

	mu                sync.RWMutex
	running           bool
	status            string
	lastError         string
	eventsCollected   int64
	eventsProcessed   int64
	eventsFailed      int64
	collectionErrors  int64
	avgProcessingMS   float64
	lastCollectionAt  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	pendingInsert []model.Event
}

// New wraps source with the shared collection loop described by cfg.
func New(source Source, cfg config.CollectorConfig, agentID string, sink Sink, throttler Throttler, metrics Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:    source,
		cfg:       cfg,
		agentID:   agentID,
		sink:      sink,
		throttler: throttler,
		metrics:   metrics,
		logger:    logger.With("collector", cfg.Name, "type", string(cfg.Type)),
		filters:   NewFilterChain(cfg.Filters),
		status:    "initialized",
	}
}

// Name returns the collector's configured name.
func (c *Collector) Name() string { return c.cfg.Name }

// Start initializes the source and launches the collection loop. A
// disabled collector is a no-op, matching base.py's start().
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if !c.cfg.Enabled {
		c.mu.Unlock()
		c.logger.Info("collector disabled, skipping start")
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("starting collector")
	if err := c.source.Initialize(ctx); err != nil {
		c.mu.Lock()
		c.status = "failed"
		c.lastError = err.Error()
		c.mu.Unlock()
		return agenterrors.NewCollectorError(fmt.Sprintf("collector %s failed to start", c.cfg.Name), err)
	}

	c.mu.Lock()
	c.running = true
	c.status = "running"
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("collector started")
	return nil
}

// Stop cancels the collection loop and releases source resources. A
// cleanup failure is logged, not returned, so one misbehaving collector's
// teardown never blocks the supervisor's shutdown sequence.
func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.status = "stopping"
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()

	if err := c.source.Cleanup(ctx); err != nil {
		c.logger.Error("error during collector cleanup", "error", err)
	}

	c.mu.Lock()
	c.status = "stopped"
	c.mu.Unlock()
	c.logger.Info("collector stopped")
}

// IsRunning reports whether the collection loop is active.
func (c *Collector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		interval := c.cfg.PollInterval
		if c.throttler != nil {
			level := c.throttler.Level("collectors")
			if level > 0 && level < 1.0 {
				adjusted := time.Duration(float64(interval) / level)
				c.logger.Debug("throttling active", "level", level, "adjusted_interval", adjusted)
				if !c.sleep(ctx, adjusted) {
					return
				}
				continue
			}
		}

		if c.throttler != nil {
			c.throttler.RecordEvent()
		}
		c.collectOnce(ctx)

		if !c.sleep(ctx, interval) {
			return
		}
	}
}

func (c *Collector) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Collector) collectOnce(ctx context.Context) {
	start := time.Now()

	events, err := c.source.CollectEvents(ctx)
	if err != nil {
		c.mu.Lock()
		c.collectionErrors++
		c.lastError = err.Error()
		c.mu.Unlock()
		c.logger.Error("collection error", "error", err)
		if c.metrics.CollectionError != nil {
			c.metrics.CollectionError(c.cfg.Name)
		}
		return
	}

	var filtered, enriched []model.Event
	if len(events) > 0 {
		filtered = c.filters.Apply(events)
		if len(filtered) > 0 {
			enriched = make([]model.Event, len(filtered))
			for i, ev := range filtered {
				enriched[i] = c.enrich(ev)
			}
		}
	}

	c.mu.Lock()
	pending := c.pendingInsert
	c.pendingInsert = nil
	c.mu.Unlock()

	batch := enriched
	if len(pending) > 0 {
		batch = append(pending, enriched...)
	}

	if len(batch) > 0 {
		if err := c.sink.Insert(ctx, c.agentID, batch); err != nil {
			// A storage-engine failure on the hot buffer is a recoverable
			// component failure, not a reason to drop events: keep the batch
			// and retry it on the next poll rather than breach at-least-once
			// delivery.
			c.mu.Lock()
			c.pendingInsert = batch
			c.mu.Unlock()
			c.logger.Error("failed to buffer collected events, retaining batch for retry",
				"error", err, "pending_events", len(batch))
			return
		}
	}

	c.mu.Lock()
	c.eventsCollected += int64(len(events))
	c.eventsProcessed += int64(len(filtered))
	c.lastCollectionAt = time.Now()
	elapsed := time.Since(start).Seconds() * 1000
	if c.avgProcessingMS == 0 {
		c.avgProcessingMS = elapsed
	} else {
		const alpha = 0.1
		c.avgProcessingMS = alpha*elapsed + (1-alpha)*c.avgProcessingMS
	}
	c.mu.Unlock()

	if c.metrics.EventsCollected != nil {
		c.metrics.EventsCollected(c.cfg.Name, len(events))
	}
}

// enrich stamps collector metadata and synthesizes id/timestamp when the
// source didn't set them, per base.py's _enrich_event.
func (c *Collector) enrich(ev model.Event) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Source.Name = c.cfg.Name
	ev.Source.Type = string(c.cfg.Type)
	ev.Source.AgentID = c.agentID
	ev.Source.CollectedAt = time.Now().UTC()
	return ev
}

// Status is the get_status() diagnostic payload, surfaced on the
// diagnostic API.
type Status struct {
	Name             string
	Type             string
	Enabled          bool
	Running          bool
	State            string
	LastError        string
	EventsCollected  int64
	EventsProcessed  int64
	EventsFailed     int64
	CollectionErrors int64
	AvgProcessingMS  float64
	LastCollectionAt time.Time
}

// GetStatus returns a snapshot of the collector's current state and
// counters.
func (c *Collector) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Name:             c.cfg.Name,
		Type:             string(c.cfg.Type),
		Enabled:          c.cfg.Enabled,
		Running:          c.running,
		State:            c.status,
		LastError:        c.lastError,
		EventsCollected:  c.eventsCollected,
		EventsProcessed:  c.eventsProcessed,
		EventsFailed:     c.eventsFailed,
		CollectionErrors: c.collectionErrors,
		AvgProcessingMS:  c.avgProcessingMS,
		LastCollectionAt: c.lastCollectionAt,
	}
}

// TestConnection delegates to the wrapped source.
func (c *Collector) TestConnection(ctx context.Context) error {
	return c.source.TestConnection(ctx)
}

// Info delegates to the wrapped source.
func (c *Collector) Info() map[string]any {
	return c.source.Info()
}
