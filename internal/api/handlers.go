package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// healthResponse mirrors the shape of the remote /health contract (spec.md
// §6: 200 on OK) but reports the agent's own composite health instead of
// the ingestion endpoint's.
type healthResponse struct {
	Status     string            `json:"status"`
	AgentID    string            `json:"agent_id"`
	UptimeSecs float64           `json:"uptime_seconds"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.sup.GetStatus(r.Context())

	resp := healthResponse{
		Status:     status.HealthStatus,
		AgentID:    status.AgentID,
		UptimeSecs: status.Uptime.Seconds(),
		Components: status.HealthByComp,
	}

	code := http.StatusOK
	switch status.HealthStatus {
	case "critical", "unhealthy":
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

// eventsResponse reports the two durable stages' depth and throughput
// counters, the local stand-in for the remote /events POST body (spec.md
// §6) — there is no second copy of the events themselves to return, only
// what the pipeline has done with them.
type eventsResponse struct {
	AgentID          string         `json:"agent_id"`
	EventsSent       int64          `json:"events_sent"`
	BytesSent        int64          `json:"bytes_sent"`
	TransferFailures int64          `json:"transfer_failures"`
	QueuePending     int            `json:"queue_pending"`
	BufferInserted   int64          `json:"buffer_total_inserted"`
	BufferSent       int64          `json:"buffer_total_sent"`
	BufferFailed     int64          `json:"buffer_total_failed"`
	Collectors       []collectorDTO `json:"collectors"`
}

type collectorDTO struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	State            string `json:"state"`
	EventsCollected  int64  `json:"events_collected"`
	EventsFailed     int64  `json:"events_failed"`
	CollectionErrors int64  `json:"collection_errors"`
	LastError        string `json:"last_error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	status := s.sup.GetStatus(r.Context())

	collectors := make([]collectorDTO, 0, len(status.Collectors))
	for _, c := range status.Collectors {
		collectors = append(collectors, collectorDTO{
			Name:             c.Name,
			Type:             c.Type,
			State:            c.State,
			EventsCollected:  c.EventsCollected,
			EventsFailed:     c.EventsFailed,
			CollectionErrors: c.CollectionErrors,
			LastError:        c.LastError,
		})
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		AgentID:          status.AgentID,
		EventsSent:       status.EventsSent,
		BytesSent:        status.BytesSent,
		TransferFailures: status.TransferFailures,
		QueuePending:     status.QueuePending,
		BufferInserted:   status.BufferStats.TotalInserted,
		BufferSent:       status.BufferStats.TotalSent,
		BufferFailed:     status.BufferStats.TotalFailed,
		Collectors:       collectors,
	})
}

// heartbeatResponse reports when the supervisor last posted its periodic
// heartbeat to the remote endpoint (every health.heartbeat_interval);
// requesting it does not send a heartbeat.
type heartbeatResponse struct {
	AgentID       string    `json:"agent_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HealthStatus  string    `json:"health_status"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	status := s.sup.GetStatus(r.Context())
	writeJSON(w, http.StatusOK, heartbeatResponse{
		AgentID:       status.AgentID,
		LastHeartbeat: status.LastHeartbeat,
		HealthStatus:  status.HealthStatus,
	})
}

// agentConfigResponse is a redacted view of the running collector set —
// mirroring /agents/{id}/config's shape (spec.md §6) without echoing mTLS
// key material or the diagnostic token itself.
type agentConfigResponse struct {
	AgentID    string         `json:"agent_id"`
	Collectors []collectorDTO `json:"collectors"`
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status := s.sup.GetStatus(r.Context())

	if id != status.AgentID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent id"})
		return
	}

	collectors := make([]collectorDTO, 0, len(status.Collectors))
	for _, c := range status.Collectors {
		collectors = append(collectors, collectorDTO{
			Name:  c.Name,
			Type:  c.Type,
			State: c.State,
		})
	}

	writeJSON(w, http.StatusOK, agentConfigResponse{
		AgentID:    status.AgentID,
		Collectors: collectors,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const openAPIDoc = `{
  "openapi": "3.0.3",
  "info": {
    "title": "SecureWatch Agent Diagnostic API",
    "version": "1.0.0",
    "description": "Loopback diagnostic surface mirroring the agent's wire protocol to the remote ingestion endpoint."
  },
  "paths": {
    "/health": {"get": {"summary": "Composite agent health", "responses": {"200": {"description": "healthy or degraded"}, "503": {"description": "critical or unhealthy"}}}},
    "/events": {"get": {"summary": "Pipeline counters and per-collector status", "responses": {"200": {"description": "OK"}}}},
    "/heartbeat": {"post": {"summary": "Snapshot of the last heartbeat posted to the remote endpoint", "responses": {"200": {"description": "OK"}}}},
    "/agents/{id}/config": {"get": {"summary": "Redacted view of the running collector set", "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}], "responses": {"200": {"description": "OK"}, "404": {"description": "unknown agent id"}}}},
    "/ws": {"get": {"summary": "WebSocket channel; replies to {\"type\":\"ping\"} with {\"type\":\"pong\"}"}}
  }
}`

func handleOpenAPIDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIDoc))
}
