// Package supervisor owns the lifecycle of every other agent component and
// runs the two transfer loops, the heartbeat loop, and the config-reload
// loop, grounded on agent/event_log_agent.py's orchestration shape (global
// buffer, signal-driven shutdown flag, per-source interval polling) combined
// with the reference service's cmd/server signal-handling and graceful
// shutdown idiom.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/buffer"
	"github.com/securewatch/agent/internal/collector"
	"github.com/securewatch/agent/internal/collector/file"
	"github.com/securewatch/agent/internal/collector/syslogrecv"
	"github.com/securewatch/agent/internal/collector/winevent"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/governor"
	"github.com/securewatch/agent/internal/health"
	"github.com/securewatch/agent/internal/metrics"
	"github.com/securewatch/agent/internal/queue"
	"github.com/securewatch/agent/internal/resilience"
	"github.com/securewatch/agent/internal/transport"
)

// Status is the get_status() snapshot spec.md §4.2 requires: agent id,
// uptime, per-collector status/counters, aggregate byte/event counters,
// last heartbeat time, health summary, resource usage, queue stats.
type Status struct {
	AgentID          string
	Uptime           time.Duration
	Collectors       []collector.Status
	EventsSent       int64
	BytesSent        int64
	TransferFailures int64
	LastHeartbeat    time.Time
	HealthStatus     string
	HealthByComp     map[string]string
	Resources        governor.Usage
	BufferStats      buffer.Stats
	QueuePending     int
}

// Supervisor wires every component described in SPEC_FULL.md §4 together and
// drives the cooperative task set described in §4.2.
type Supervisor struct {
	store   *config.Store
	logger  *slog.Logger
	reg     *metrics.Registry
	agentID string

	buf    *buffer.Buffer
	q      *queue.Queue
	tr     *transport.Transport
	gov    *governor.Governor
	mon    *health.Monitor
	alerts health.AlertStore

	collectorsMu sync.RWMutex
	collectors   map[string]*collector.Collector
	collectorCfg map[string]string // name -> descriptor hash, for hot-reload restart decisions

	reloader *config.Reloader

	startedAt time.Time

	mu               sync.Mutex
	lastHeartbeat    time.Time
	eventsSent       int64
	bytesSent        int64
	transferFailures int64

	shutdown chan struct{}
	wg       sync.WaitGroup
	errOnce  sync.Once
	runErr   error
}

// New opens every durable store and builds every component from store's
// current configuration. It does not start any cooperative task; call Run
// for that.
func New(store *config.Store, logger *slog.Logger, promReg prometheus.Registerer) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	cfg := store.Current()

	agentID := cfg.AgentID
	if agentID == "" {
		id, err := synthesizeAgentID()
		if err != nil {
			return nil, agenterrors.NewConfigurationError("failed to synthesize agent id", err)
		}
		agentID = id
		if err := config.PersistAgentID(store.Path(), agentID); err != nil {
			logger.Warn("failed to persist synthesized agent id, continuing in-memory only", "error", err)
		}
		logger.Info("synthesized agent identity", "agent_id", agentID)
	}

	reg := metrics.NewRegistry(promReg)

	buf, err := buffer.Open(buffer.Config{
		DBPath:          cfg.Buffer.DBPath,
		MaxSize:         cfg.Buffer.MaxSize,
		BatchSize:       cfg.Buffer.BatchSize,
		CleanupInterval: cfg.Buffer.CleanupInterval,
	}, logger.With("component", "buffer"))
	if err != nil {
		return nil, err
	}

	q, err := queue.Open(queue.Config{
		DBPath:          cfg.Queue.DBPath,
		MaxSize:         cfg.Queue.MaxSize,
		BatchSize:       cfg.Queue.BatchSize,
		RetryDelays:     cfg.Queue.RetryDelays,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		MaxAge:          time.Duration(cfg.Queue.MaxAgeHours) * time.Hour,
		Compress:        cfg.Queue.CompressionEnabled,
		CleanupInterval: cfg.Queue.CleanupInterval,
	}, logger.With("component", "queue"))
	if err != nil {
		buf.Close()
		return nil, err
	}

	tr, err := transport.New(transport.Config{
		Endpoint: cfg.Transport.Endpoint,
		AgentID:  agentID,
		MTLS: transport.MTLSConfig{
			CACert:         cfg.Transport.MTLS.CACert,
			ClientCert:     cfg.Transport.MTLS.ClientCert,
			ClientKey:      cfg.Transport.MTLS.ClientKey,
			VerifyHostname: cfg.Transport.MTLS.VerifyHostname,
		},
		CompressionMinSize: cfg.Transport.Compression.MinSize,
		RetryPolicy: &resilience.RetryPolicy{
			MaxRetries:    cfg.Transport.Retry.MaxAttempts,
			BaseDelay:     cfg.Transport.Retry.BaseDelay,
			MaxDelay:      cfg.Transport.Retry.MaxDelay,
			Multiplier:    cfg.Transport.Retry.Multiplier,
			Jitter:        cfg.Transport.Retry.Jitter,
			Logger:        logger.With("component", "transport"),
			Metrics:       reg,
			OperationName: "send_events",
		},
		BatchSize:        cfg.Transport.BatchSize,
		Timeout:          cfg.Transport.Timeout,
		WebSocketEnabled: cfg.Transport.WebSocketEnabled,
	})
	if err != nil {
		buf.Close()
		q.Close(context.Background())
		return nil, err
	}

	gov, err := governor.New(governor.Limits{
		MaxMemoryMB:     cfg.Resources.MaxMemoryMB,
		MaxCPUPercent:   cfg.Resources.MaxCPUPercent,
		MaxOpenFiles:    cfg.Resources.MaxOpenFiles,
		MaxConnections:  cfg.Resources.MaxConnections,
		MaxEventsPerMin: cfg.Resources.MaxEventsPerMin,
		CheckInterval:   cfg.Resources.CheckInterval,
	}, reg, logger.With("component", "governor"))
	if err != nil {
		buf.Close()
		q.Close(context.Background())
		tr.Close()
		return nil, err
	}

	alertStore, err := buildAlertStore(cfg.Health, logger)
	if err != nil {
		buf.Close()
		q.Close(context.Background())
		tr.Close()
		return nil, err
	}
	mon := health.NewWithStore(health.Config{
		CheckInterval:    cfg.Health.CheckInterval,
		MetricsRetention: cfg.Health.MetricsRetention,
	}, reg, logger.With("component", "health"), alertStore)

	s := &Supervisor{
		store:        store,
		logger:       logger,
		reg:          reg,
		agentID:      agentID,
		buf:          buf,
		q:            q,
		tr:           tr,
		gov:          gov,
		mon:          mon,
		alerts:       alertStore,
		collectors:   make(map[string]*collector.Collector),
		collectorCfg: make(map[string]string),
		reloader:     config.NewReloader(logger),
		shutdown:     make(chan struct{}),
	}

	for _, cc := range cfg.Collectors {
		s.addCollector(cc)
	}

	return s, nil
}

// buildAlertStore selects the health monitor's alert-dedup backend per
// HealthConfig.AlertStore.
func buildAlertStore(cfg config.HealthConfig, logger *slog.Logger) (health.AlertStore, error) {
	if cfg.AlertStore != config.AlertStoreRedis {
		return health.NewMemoryAlertStore(), nil
	}
	store, err := health.NewRedisAlertStore(cfg.RedisAddr)
	if err != nil {
		logger.Warn("failed to connect to redis alert store, falling back to in-process dedup", "error", err)
		return health.NewMemoryAlertStore(), nil
	}
	return store, nil
}

func synthesizeAgentID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	id := uuid.New()
	return fmt.Sprintf("%s-%x", hostname, id[12:16]), nil
}

// buildSource constructs the concrete collector.Source for one configured
// collector, or nil for a type the agent does not yet implement (registry,
// process — schema-valid, reserved per spec.md §4.1).
func buildSource(cc config.CollectorConfig, logger *slog.Logger) collector.Source {
	switch cc.Type {
	case config.CollectorTypeFile:
		return file.New(file.Config{
			Path:             cc.FilePath,
			LogFormat:        cc.LogFormat,
			MultilinePattern: cc.MultilinePattern,
			MultilineNegate:  cc.MultilineNegate,
			StartPosition:    cc.StartPosition,
		}, logger)
	case config.CollectorTypeSyslog:
		return syslogrecv.New(syslogrecv.Config{
			BindAddress: cc.BindAddress,
			Port:        cc.Port,
			Protocol:    cc.Protocol,
			TLSEnabled:  cc.TLSEnabled,
			TLSCACert:   cc.TLSCACert,
			TLSCert:     cc.TLSCert,
			TLSKey:      cc.TLSKey,
		}, logger)
	case config.CollectorTypeWindowsEvent:
		servers := make([]winevent.Server, len(cc.Servers))
		for i, h := range cc.Servers {
			servers[i] = winevent.Server{Hostname: h}
		}
		return winevent.New(winevent.Config{Servers: servers, Channels: cc.Channels}, logger)
	default:
		logger.Warn("collector type not implemented by this build, skipping", "name", cc.Name, "type", cc.Type)
		return nil
	}
}

// addCollector builds and registers one configured collector, recording its
// descriptor hash so a later config reload can tell whether it needs a
// restart.
func (s *Supervisor) addCollector(cc config.CollectorConfig) {
	source := buildSource(cc, s.logger)
	if source == nil {
		return
	}
	c := collector.New(source, cc, s.agentID, s.buf, s.gov, collector.Metrics{
		EventsCollected: func(name string, n int) { s.reg.EventsCollected.WithLabelValues(name).Add(float64(n)) },
		CollectionError: func(name string) { s.reg.CollectorErrors.WithLabelValues(name).Inc() },
	}, s.logger)

	s.collectorsMu.Lock()
	s.collectors[cc.Name] = c
	s.collectorCfg[cc.Name] = config.CollectorDescriptorHash(cc)
	s.collectorsMu.Unlock()
}

// Run starts every cooperative task and blocks until the shutdown signal
// fires or any task exits (normally or via error), whichever happens first,
// then unwinds every component leaves-to-root (spec.md §4.2's "start await"
// and "shutdown" contracts). If the initial transport health probe fails,
// Run releases every component and returns that error without starting any
// task.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now().UTC()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.tr.TestConnection(runCtx); err != nil {
		s.logger.Error("initial transport health probe failed", "error", err)
		s.cleanup()
		return err
	}

	s.collectorsMu.RLock()
	for _, c := range s.collectors {
		if err := c.Start(runCtx); err != nil {
			s.logger.Error("collector failed to start", "collector", c.Name(), "error", err)
		}
	}
	s.collectorsMu.RUnlock()

	s.spawn(func() error { return s.gov.Run(runCtx) })
	s.spawn(func() error { s.runHealthLoop(runCtx); return nil })
	s.spawn(func() error { s.runBufferToQueueLoop(runCtx); return nil })
	s.spawn(func() error { s.runQueueToTransportLoop(runCtx); return nil })
	s.spawn(func() error { s.runHeartbeatLoop(runCtx); return nil })
	s.spawn(func() error { s.runConfigReloadLoop(runCtx); return nil })

	select {
	case <-ctx.Done():
	case <-s.shutdown:
	case <-s.gov.Emergency():
		s.logger.Error("resource governor emergency condition, shutting down")
	}

	cancel()
	s.wg.Wait()
	s.cleanup()

	return s.runErr
}

func (s *Supervisor) spawn(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.errOnce.Do(func() {
				s.runErr = err
				close(s.shutdown)
			})
		}
	}()
}

// Stop requests graceful shutdown; Run returns once the unwind completes.
func (s *Supervisor) Stop() {
	s.errOnce.Do(func() { close(s.shutdown) })
}

// cleanup unwinds every component leaves-to-root, each step independently
// guarded so one failure never prevents the rest (spec.md §4.2).
func (s *Supervisor) cleanup() {
	s.collectorsMu.RLock()
	collectors := make([]*collector.Collector, 0, len(s.collectors))
	for _, c := range s.collectors {
		collectors = append(collectors, c)
	}
	s.collectorsMu.RUnlock()

	ctx := context.Background()
	for _, c := range collectors {
		func() {
			defer s.guard("stop collector " + c.Name())
			c.Stop(ctx)
		}()
	}

	func() {
		defer s.guard("close transport")
		s.tr.Close()
	}()
	func() {
		defer s.guard("close hot buffer")
		s.buf.Close()
	}()
	func() {
		defer s.guard("close persistent queue")
		s.q.Close(ctx)
	}()
	func() {
		defer s.guard("close alert store")
		if s.alerts != nil {
			s.mon.Close()
		}
	}()
}

func (s *Supervisor) guard(step string) {
	if r := recover(); r != nil {
		s.logger.Error("shutdown step panicked", "step", step, "recover", r)
	}
}

// GetStatus returns a snapshot matching spec.md §4.2's status contract.
func (s *Supervisor) GetStatus(ctx context.Context) Status {
	s.mu.Lock()
	uptime := time.Since(s.startedAt)
	lastHB := s.lastHeartbeat
	eventsSent := s.eventsSent
	bytesSent := s.bytesSent
	transferFailures := s.transferFailures
	s.mu.Unlock()

	s.collectorsMu.RLock()
	var cstats []collector.Status
	for _, c := range s.collectors {
		cstats = append(cstats, c.GetStatus())
	}
	s.collectorsMu.RUnlock()

	overall, perComp := s.mon.Check(ctx)
	byComp := make(map[string]string, len(perComp))
	for name, st := range perComp {
		byComp[name] = healthStatusString(st)
	}

	bufStats, _ := s.buf.GetStats(ctx)
	qPending, _ := s.q.PendingCount(ctx)

	return Status{
		AgentID:          s.agentID,
		Uptime:           uptime,
		Collectors:       cstats,
		EventsSent:       eventsSent,
		BytesSent:        bytesSent,
		TransferFailures: transferFailures,
		LastHeartbeat:    lastHB,
		HealthStatus:     healthStatusString(overall),
		HealthByComp:     byComp,
		Resources:        s.gov.GetUsage(),
		BufferStats:      bufStats,
		QueuePending:     qPending,
	}
}

func healthStatusString(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return "healthy"
	case health.StatusWarning:
		return "warning"
	case health.StatusCritical:
		return "critical"
	case health.StatusDegraded:
		return "degraded"
	case health.StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s *Supervisor) runHealthLoop(ctx context.Context) {
	cfg := s.store.Current()
	interval := cfg.Health.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleComponents(ctx)
			s.mon.Check(ctx)
		}
	}
}

// sampleComponents pushes the collector/buffer/transport component probes
// the health monitor's per-component thresholds consume (spec.md §4.8).
func (s *Supervisor) sampleComponents(ctx context.Context) {
	s.collectorsMu.RLock()
	defer s.collectorsMu.RUnlock()
	for _, c := range s.collectors {
		st := c.GetStatus()
		age := time.Duration(0)
		if !st.LastCollectionAt.IsZero() {
			age = time.Since(st.LastCollectionAt)
		}
		s.mon.PushComponentSample(health.ComponentSample{
			Name:          st.Name,
			LastUpdateAge: age,
			ErrorRate5Min: float64(st.CollectionErrors),
		})
	}

	bufStats, err := s.buf.GetStats(ctx)
	if err == nil {
		util := 0.0
		if bufStats.TotalInserted > 0 {
			util = float64(bufStats.TotalFailed) / float64(bufStats.TotalInserted) * 100
		}
		s.mon.PushComponentSample(health.ComponentSample{Name: "buffer", BufferUtilization: &util})
	}
}
