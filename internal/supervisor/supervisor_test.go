package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/model"
)

func writeTestConfig(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	doc := fmt.Sprintf(`
buffer:
  db_path: %s
  max_size: 1000
  batch_size: 50
  cleanup_interval: 1m
queue:
  db_path: %s
  max_size: 1000
  batch_size: 50
  retry_delays: [1s, 2s]
  max_age_hours: 1
  compression_enabled: false
transport:
  endpoint: %s
  batch_size: 50
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
collectors:
  - name: security-events
    type: windows_event
    enabled: false
  - name: syslog-udp
    type: syslog
    enabled: false
`, filepath.Join(dir, "events.db"), filepath.Join(dir, "queue.db"), endpoint)

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestSupervisorRunShipsBufferedEventThroughToTransport(t *testing.T) {
	var receivedBatches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events":
			atomic.AddInt32(&receivedBatches, 1)
			w.WriteHeader(http.StatusAccepted)
		case "/heartbeat", "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path := writeTestConfig(t, srv.URL)
	store, err := config.NewStore(path)
	require.NoError(t, err)

	sup, err := New(store, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotEmpty(t, sup.agentID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	ev := model.Event{Source: model.Source{Name: "test", Type: "file"}, Fields: map[string]model.Value{}}
	require.NoError(t, sup.buf.Insert(context.Background(), sup.agentID, []model.Event{ev}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&receivedBatches) > 0
	}, 6*time.Second, 10*time.Millisecond, "event never reached the transport")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}

func TestSupervisorGetStatusReflectsAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := writeTestConfig(t, srv.URL)
	store, err := config.NewStore(path)
	require.NoError(t, err)

	sup, err := New(store, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	sup.startedAt = time.Now().UTC()

	status := sup.GetStatus(context.Background())
	require.Equal(t, sup.agentID, status.AgentID)
	require.GreaterOrEqual(t, status.QueuePending, 0)
}

func TestSynthesizeAgentIDIsStableFormat(t *testing.T) {
	id, err := synthesizeAgentID()
	require.NoError(t, err)
	require.Contains(t, id, "-")
}
