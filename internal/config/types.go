// Package config implements the agent's configuration document: typed
// structs bound via viper/mapstructure, validated with go-playground's
// validator, with content-hash + mtime based change detection so the
// supervisor's config-reload loop can cheaply decide "nothing changed."
//
// Grounded on the reference service's internal/config package (viper
// load/validate/default pattern, and its update_reloader.go component
// registry for hot reload) and agent/core/config.py (the schema shape,
// default synthesis, and hash-based change detection this package exists to
// reproduce for an endpoint agent instead of an alert-history server).
package config

import "time"

// Config is the root configuration document.
type Config struct {
	AgentID             string           `mapstructure:"agent_id" validate:"omitempty"`
	Log                 LogConfig        `mapstructure:"log"`
	Collectors          []CollectorConfig `mapstructure:"collectors" validate:"dive"`
	Buffer               BufferConfig     `mapstructure:"buffer"`
	Queue                QueueConfig      `mapstructure:"queue"`
	Transport            TransportConfig  `mapstructure:"transport"`
	Health               HealthConfig     `mapstructure:"health"`
	Resources            ResourceConfig   `mapstructure:"resources"`
	Security             SecurityConfig   `mapstructure:"security"`
	ConfigUpdateInterval time.Duration    `mapstructure:"config_update_interval" validate:"min=1s"`
	AutoUpdate           bool             `mapstructure:"auto_update"`
	Debug                bool             `mapstructure:"debug"`
	Telemetry            bool             `mapstructure:"telemetry"`
}

// LogConfig mirrors pkg/logger.Config's shape so the same struct can be
// handed straight to logger.NewLogger.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CollectorType enumerates the closed set of collector kinds the schema
// accepts. `registry` and `process` are reserved (schema-valid, not
// implemented by any collector package) matching spec.md's enumerated
// field type, which names five kinds while only three ship.
type CollectorType string

const (
	CollectorTypeWindowsEvent CollectorType = "windows_event"
	CollectorTypeSyslog       CollectorType = "syslog"
	CollectorTypeFile         CollectorType = "file"
	CollectorTypeRegistry     CollectorType = "registry"
	CollectorTypeProcess      CollectorType = "process"
)

// FilterConfig describes one filter-chain entry (spec.md §4.3).
type FilterConfig struct {
	Field    string `mapstructure:"field" validate:"required"`
	Operator string `mapstructure:"operator" validate:"required,oneof=equals not_equals contains not_contains regex greater_than less_than in not_in"`
	Value    any    `mapstructure:"value"`
}

// FilterChainConfig holds the include/exclude filter lists.
type FilterChainConfig struct {
	Include []FilterConfig `mapstructure:"include"`
	Exclude []FilterConfig `mapstructure:"exclude"`
}

// CollectorConfig describes one configured collector instance. Fields not
// relevant to a given Type are ignored by that collector's constructor.
type CollectorConfig struct {
	Name         string            `mapstructure:"name" validate:"required"`
	Type         CollectorType     `mapstructure:"type" validate:"required,oneof=windows_event syslog file registry process"`
	Enabled      bool              `mapstructure:"enabled"`
	PollInterval time.Duration     `mapstructure:"poll_interval" validate:"min=0"`
	Filters      FilterChainConfig `mapstructure:"filters"`

	// File collector
	FilePath          string `mapstructure:"file_path"`
	LogFormat         string `mapstructure:"log_format"`
	MultilinePattern  string `mapstructure:"multiline_pattern"`
	MultilineNegate   bool   `mapstructure:"multiline_negate"`
	StartPosition     string `mapstructure:"start_position"`

	// Syslog collector
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
	Protocol    string `mapstructure:"protocol"`
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCACert   string `mapstructure:"tls_ca_cert"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`

	// Windows event collector
	Servers  []string `mapstructure:"servers"`
	Channels []string `mapstructure:"channels"`
}

// BufferConfig configures the hot buffer.
type BufferConfig struct {
	DBPath          string        `mapstructure:"db_path" validate:"required"`
	MaxSize         int           `mapstructure:"max_size" validate:"min=1"`
	BatchSize       int           `mapstructure:"batch_size" validate:"min=1"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=1s"`
}

// QueueConfig configures the persistent retry queue.
type QueueConfig struct {
	DBPath             string          `mapstructure:"db_path" validate:"required"`
	MaxSize            int             `mapstructure:"max_size" validate:"min=1"`
	BatchSize          int             `mapstructure:"batch_size" validate:"min=1"`
	RetryDelays        []time.Duration `mapstructure:"retry_delays"`
	MaxAttempts        int             `mapstructure:"max_attempts" validate:"min=0"`
	MaxAgeHours        int             `mapstructure:"max_age_hours" validate:"min=1"`
	CompressionEnabled bool            `mapstructure:"compression_enabled"`
	CleanupInterval    time.Duration   `mapstructure:"cleanup_interval" validate:"min=1s"`
}

// CompressionAlgorithm enumerates the closed set of transport compression
// algorithms the schema accepts (spec.md §4.1); only zstd is implemented.
type CompressionAlgorithm string

const (
	CompressionZstd CompressionAlgorithm = "zstd"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLZ4  CompressionAlgorithm = "lz4"
)

// MTLSConfig names the three PEM material paths (spec.md §6).
type MTLSConfig struct {
	CACert         string `mapstructure:"ca_cert"`
	ClientCert     string `mapstructure:"client_cert"`
	ClientKey      string `mapstructure:"client_key"`
	VerifyHostname bool   `mapstructure:"verify_hostname"`
}

// CompressionConfig configures transport payload compression.
type CompressionConfig struct {
	Algorithm CompressionAlgorithm `mapstructure:"algorithm" validate:"oneof=zstd gzip lz4"`
	MinSize   int                  `mapstructure:"min_size" validate:"min=0"`
}

// RetryConfig configures the transport's send retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"min=1ms"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"min=1ms"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"min=1"`
	Jitter      bool          `mapstructure:"jitter"`
}

// TransportConfig configures the mTLS client to the remote endpoint.
type TransportConfig struct {
	Endpoint         string             `mapstructure:"endpoint" validate:"required,url"`
	MTLS             MTLSConfig         `mapstructure:"mtls"`
	Compression      CompressionConfig  `mapstructure:"compression"`
	Retry            RetryConfig        `mapstructure:"retry"`
	BatchSize        int                `mapstructure:"batch_size" validate:"min=1"`
	Timeout          time.Duration      `mapstructure:"timeout" validate:"min=1s"`
	WebSocketEnabled bool               `mapstructure:"websocket_enabled"`
}

// AlertStoreBackend selects the health monitor's alert-dedup backend.
type AlertStoreBackend string

const (
	AlertStoreMemory AlertStoreBackend = "memory"
	AlertStoreRedis  AlertStoreBackend = "redis"
)

// HealthConfig configures the health monitor.
type HealthConfig struct {
	CheckInterval     time.Duration     `mapstructure:"check_interval" validate:"min=1s"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval" validate:"min=1s"`
	MetricsRetention  time.Duration     `mapstructure:"metrics_retention" validate:"min=1s"`
	AlertStore        AlertStoreBackend `mapstructure:"alert_store" validate:"oneof=memory redis"`
	RedisAddr         string            `mapstructure:"redis_addr"`
}

// ResourceConfig configures the resource governor's hard limits.
type ResourceConfig struct {
	MaxMemoryMB      int           `mapstructure:"max_memory_mb" validate:"min=1"`
	MaxCPUPercent    float64       `mapstructure:"max_cpu_percent" validate:"min=1"`
	MaxOpenFiles     int           `mapstructure:"max_open_files" validate:"min=1"`
	MaxConnections   int           `mapstructure:"max_connections" validate:"min=1"`
	MaxEventsPerMin  int           `mapstructure:"max_events_per_minute" validate:"min=1"`
	CheckInterval    time.Duration `mapstructure:"check_interval" validate:"min=1s"`
}

// SecurityConfig holds the agent's own diagnostic-API credentials — distinct
// from the transport's mTLS material, which authenticates the agent to the
// remote endpoint, not callers to the agent.
type SecurityConfig struct {
	DiagnosticAPIEnabled bool   `mapstructure:"diagnostic_api_enabled"`
	DiagnosticAPIAddr    string `mapstructure:"diagnostic_api_addr"`
	DiagnosticAPIToken   string `mapstructure:"diagnostic_api_token"`
}
