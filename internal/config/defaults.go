package config

import "github.com/spf13/viper"

// applyDefaults seeds a viper instance with the agent's default document,
// mirroring agent/core/config.py's DEFAULT_CONFIG: two default collectors
// (a Security-channel Windows event collector and a UDP syslog receiver on
// port 514), conservative buffer/queue/transport/health/resource settings.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("agent_id", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("collectors", []map[string]any{
		{
			"name":          "security-events",
			"type":          "windows_event",
			"enabled":       true,
			"poll_interval": "10s",
			"channels":      []string{"Security"},
		},
		{
			"name":          "syslog-udp",
			"type":          "syslog",
			"enabled":       true,
			"poll_interval": "0s",
			"bind_address":  "0.0.0.0",
			"port":          514,
			"protocol":      "udp",
		},
	})

	v.SetDefault("buffer.db_path", "/var/lib/securewatch/events.db")
	v.SetDefault("buffer.max_size", 10000)
	v.SetDefault("buffer.batch_size", 100)
	v.SetDefault("buffer.cleanup_interval", "60s")

	v.SetDefault("queue.db_path", "/var/lib/securewatch/persistent_queue.db")
	v.SetDefault("queue.max_size", 50000)
	v.SetDefault("queue.batch_size", 100)
	v.SetDefault("queue.retry_delays", []string{"30s", "300s", "1800s", "7200s"})
	v.SetDefault("queue.max_attempts", 0) // 0 == len(retry_delays)+1, resolved in Normalize
	v.SetDefault("queue.max_age_hours", 72)
	v.SetDefault("queue.compression_enabled", true)
	v.SetDefault("queue.cleanup_interval", "3600s")

	v.SetDefault("transport.endpoint", "https://localhost:8443")
	v.SetDefault("transport.mtls.verify_hostname", true)
	v.SetDefault("transport.compression.algorithm", "zstd")
	v.SetDefault("transport.compression.min_size", 512)
	v.SetDefault("transport.retry.max_attempts", 3)
	v.SetDefault("transport.retry.base_delay", "1s")
	v.SetDefault("transport.retry.max_delay", "30s")
	v.SetDefault("transport.retry.multiplier", 2.0)
	v.SetDefault("transport.retry.jitter", true)
	v.SetDefault("transport.batch_size", 100)
	v.SetDefault("transport.timeout", "30s")
	v.SetDefault("transport.websocket_enabled", false)

	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.heartbeat_interval", "60s")
	v.SetDefault("health.metrics_retention", "3600s")
	v.SetDefault("health.alert_store", "memory")

	v.SetDefault("resources.max_memory_mb", 512)
	v.SetDefault("resources.max_cpu_percent", 80.0)
	v.SetDefault("resources.max_open_files", 1024)
	v.SetDefault("resources.max_connections", 200)
	v.SetDefault("resources.max_events_per_minute", 6000)
	v.SetDefault("resources.check_interval", "15s")

	v.SetDefault("security.diagnostic_api_enabled", true)
	v.SetDefault("security.diagnostic_api_addr", "127.0.0.1:9091")

	v.SetDefault("config_update_interval", "300s")
	v.SetDefault("auto_update", true)
	v.SetDefault("debug", false)
	v.SetDefault("telemetry", true)
}

// Normalize fills in values that depend on other fields after unmarshal,
// matching agent/core/config.py's post-load derivation of max_attempts.
func (c *Config) Normalize() {
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = len(c.Queue.RetryDelays) + 1
	}
}
