package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/supervisor"
)

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
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
  retry_delays: [1s]
  max_age_hours: 1
  compression_enabled: false
transport:
  endpoint: https://127.0.0.1:0
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
collectors: []
`, filepath.Join(dir, "events.db"), filepath.Join(dir, "queue.db"))

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	store, err := config.NewStore(path)
	require.NoError(t, err)

	sup, err := supervisor.New(store, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return sup
}

func TestHandleHealthReturnsAgentStatus(t *testing.T) {
	sup := newTestSupervisor(t)
	srv := New(sup, config.SecurityConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AgentID)
}

func TestProtectedRoutesRequireTokenWhenConfigured(t *testing.T) {
	sup := newTestSupervisor(t)
	srv := New(sup, config.SecurityConfig{DiagnosticAPIToken: "s3cr3t"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	w = httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleAgentConfigRejectsUnknownID(t *testing.T) {
	sup := newTestSupervisor(t)
	srv := New(sup, config.SecurityConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/agents/not-this-agent/config", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketRepliesToPingWithPong(t *testing.T) {
	sup := newTestSupervisor(t)
	srv := New(sup, config.SecurityConfig{}, nil)

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.run(ctx)

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))

	var reply wsMessage
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "pong", reply.Type)
}

func TestOpenAPIDocServed(t *testing.T) {
	sup := newTestSupervisor(t)
	srv := New(sup, config.SecurityConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/docs/doc.json", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "SecureWatch Agent Diagnostic API")
}
