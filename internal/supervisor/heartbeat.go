package supervisor

import (
	"context"
	"time"
)

// heartbeatPayload is the status snapshot posted to /heartbeat, grounded on
// agent/event_log_agent.py's periodic status push (agent id, uptime,
// per-collector counters, queue depth, resource usage).
type heartbeatPayload struct {
	AgentID       string         `json:"agent_id"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	EventsSent    int64          `json:"events_sent"`
	BytesSent     int64          `json:"bytes_sent"`
	QueuePending  int            `json:"queue_pending"`
	HealthStatus  string         `json:"health_status"`
	Collectors    map[string]any `json:"collectors"`
}

// runHeartbeatLoop posts a status snapshot to the remote endpoint every
// health.heartbeat_interval, matching the status surfaced through the
// diagnostic API.
func (s *Supervisor) runHeartbeatLoop(ctx context.Context) {
	cfg := s.store.Current()
	interval := cfg.Health.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		}
	}
}

func (s *Supervisor) sendHeartbeat(ctx context.Context) {
	status := s.GetStatus(ctx)

	collectors := make(map[string]any, len(status.Collectors))
	for _, c := range status.Collectors {
		collectors[c.Name] = map[string]any{
			"state":            c.State,
			"events_collected": c.EventsCollected,
			"events_failed":    c.EventsFailed,
		}
	}

	payload := heartbeatPayload{
		AgentID:       status.AgentID,
		UptimeSeconds: status.Uptime.Seconds(),
		EventsSent:    status.EventsSent,
		BytesSent:     status.BytesSent,
		QueuePending:  status.QueuePending,
		HealthStatus:  status.HealthStatus,
		Collectors:    collectors,
	}

	if err := s.tr.SendHeartbeat(ctx, payload); err != nil {
		s.logger.Warn("heartbeat send failed", "error", err)
		return
	}

	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}
