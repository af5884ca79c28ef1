package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A missing config file is not itself rejected: Load synthesizes and persists
// a default document. The run still fails, because the default transport
// endpoint (https://localhost:8443) does not answer the initial health probe
// in a test environment.
func TestRunAgentFailsOnMissingConfig(t *testing.T) {
	err := runAgent(context.Background(), filepath.Join(t.TempDir(), "does-not-exist", "agent.json"), "", false)
	require.Error(t, err)
}

func TestRunAgentShutsDownCleanlyOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	doc := `
buffer:
  db_path: ` + filepath.Join(dir, "events.db") + `
  max_size: 100
  batch_size: 10
  cleanup_interval: 1m
queue:
  db_path: ` + filepath.Join(dir, "queue.db") + `
  max_size: 100
  batch_size: 10
  retry_delays: [1s]
  max_age_hours: 1
  compression_enabled: false
transport:
  endpoint: ` + srv.URL + `
  batch_size: 10
  timeout: 5s
  retry:
    max_attempts: 1
    base_delay: 10ms
    max_delay: 20ms
    multiplier: 2.0
health:
  check_interval: 1s
  heartbeat_interval: 1s
  metrics_retention: 10s
  alert_store: memory
resources:
  max_memory_mb: 4096
  max_cpu_percent: 95
  max_open_files: 4096
  max_connections: 4096
  check_interval: 1h
config_update_interval: 1h
collectors: []
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := runAgent(ctx, path, "test-agent-1", true)
	require.ErrorIs(t, err, errInterrupted)
}

func TestRunAgentStartsDiagnosticAPIWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	doc := `
buffer:
  db_path: ` + filepath.Join(dir, "events.db") + `
  max_size: 100
  batch_size: 10
  cleanup_interval: 1m
queue:
  db_path: ` + filepath.Join(dir, "queue.db") + `
  max_size: 100
  batch_size: 10
  retry_delays: [1s]
  max_age_hours: 1
  compression_enabled: false
transport:
  endpoint: ` + srv.URL + `
  batch_size: 10
  timeout: 5s
  retry:
    max_attempts: 1
    base_delay: 10ms
    max_delay: 20ms
    multiplier: 2.0
health:
  check_interval: 1s
  heartbeat_interval: 1s
  metrics_retention: 10s
  alert_store: memory
resources:
  max_memory_mb: 4096
  max_cpu_percent: 95
  max_open_files: 4096
  max_connections: 4096
  check_interval: 1h
config_update_interval: 1h
security:
  diagnostic_api_enabled: true
  diagnostic_api_addr: 127.0.0.1:18910
collectors: []
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runAgent(ctx, path, "test-agent-2", true) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18910/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 500*time.Millisecond, 10*time.Millisecond, "diagnostic API never came up")

	cancel()
	<-done
}
