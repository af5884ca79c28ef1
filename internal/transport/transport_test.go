package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/model"
	"github.com/securewatch/agent/internal/resilience"
)

func newTestTransport(t *testing.T, endpoint string) *Transport {
	t.Helper()
	tr, err := New(Config{
		Endpoint:           endpoint,
		AgentID:            "agent-1",
		CompressionMinSize: 1 << 20,
		RetryPolicy:        &resilience.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		Timeout:            5 * time.Second,
	})
	require.NoError(t, err)
	return tr
}

func TestSendEventsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		var payload eventsPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "agent-1", payload.AgentID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	defer tr.Close()

	result, err := tr.SendEvents(context.Background(), []model.Event{{ID: "1", Source: model.Source{Type: "file"}}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Greater(t, result.BytesSent, 0)
}

func TestSendEventsAuthFailureDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	defer tr.Close()

	_, err := tr.SendEvents(context.Background(), []model.Event{{ID: "1"}})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendEventsRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	defer tr.Close()

	result, err := tr.SendEvents(context.Background(), []model.Event{{ID: "1"}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPullConfigNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	defer tr.Close()

	result, err := tr.PullConfig(context.Background())
	require.NoError(t, err)
	require.False(t, result.Changed)
}

func TestPullConfigChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents/agent-1/config", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"agent_id":"agent-1"}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL)
	defer tr.Close()

	result, err := tr.PullConfig(context.Background())
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Contains(t, string(result.Body), "agent-1")
}
