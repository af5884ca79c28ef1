// Package winevent implements the Windows Event Log collector. It runs in
// mock mode on any platform other than windows (the overwhelming majority
// of build/test environments), generating the same canned event shapes the
// original collector used for its own non-Windows development and test
// runs, grounded on
// agent/core/collectors/windows_event.py (server/channel bookmarking, mock
// event catalog).
package winevent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/model"
)

// Server names one remote (or local) event log host.
type Server struct {
	Hostname string
}

// Config configures a windows event Source.
type Config struct {
	Servers  []Server
	Channels []string
}

// bookmarkKey identifies one server/channel pair's read position.
type bookmarkKey struct {
	server  string
	channel string
}

// Source is the windows event collector's collector.Source
// implementation.
type Source struct {
	cfg      Config
	logger   *slog.Logger
	mockMode bool

	mu        sync.Mutex
	bookmarks *lru.Cache[bookmarkKey, int64]
}

// New builds a windows event Source. mockMode defaults to true on any
// platform other than windows. On windows mockMode is false, and since this
// package has no native event-log reader, CollectEvents and TestConnection
// return a CollectorError there.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []Server{{Hostname: "localhost"}}
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"Security", "System", "Application"}
	}
	cache, _ := lru.New[bookmarkKey, int64](1024)
	return &Source{
		cfg:       cfg,
		logger:    logger,
		mockMode:  runtime.GOOS != "windows",
		bookmarks: cache,
	}
}

// Initialize warns once if running in mock mode, matching
// windows_event.py's startup warning.
func (s *Source) Initialize(ctx context.Context) error {
	if s.mockMode {
		s.logger.Warn("running on non-windows system, windows event collector using mock mode")
	}
	return nil
}

// Cleanup is a no-op: bookmarks live in memory for the process lifetime.
func (s *Source) Cleanup(ctx context.Context) error { return nil }

// mockCatalog is the canned event set returned in mock mode, reproducing
// the original's Security-log 4624/4625, Kernel-General 1074, and Service
// Control Manager 7040 samples.
var mockCatalog = []struct {
	channel    string
	eventID    int
	level      string
	provider   string
	keywords   []string
	descr      string
	data       map[string]string
}{
	{"Security", 4624, "Information", "Microsoft-Windows-Security-Auditing", []string{"Audit Success"}, "An account was successfully logged on", map[string]string{
		"TargetUserName": "testuser", "LogonType": "2",
	}},
	{"Security", 4625, "Information", "Microsoft-Windows-Security-Auditing", []string{"Audit Failure"}, "An account failed to log on", map[string]string{
		"TargetUserName": "baduser", "Status": "0xc000006d",
	}},
	{"System", 1074, "Information", "Microsoft-Windows-Kernel-General", nil, "The process shut down the system", map[string]string{
		"ShutdownType": "restart", "Reason": "No title for this reason could be found",
	}},
	{"System", 7040, "Information", "Service Control Manager", nil, "Service start type changed", map[string]string{
		"ServiceName": "wuauserv", "StartType": "auto",
	}},
}

// CollectEvents walks every configured server/channel pair and, in mock
// mode, emits one synthetic event per matching catalog entry beyond the
// server/channel's current bookmark.
func (s *Source) CollectEvents(ctx context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mockMode {
		return nil, agenterrors.NewCollectorError("real windows event collection is not implemented on this platform", nil)
	}

	var events []model.Event
	for _, server := range s.cfg.Servers {
		for _, channel := range s.cfg.Channels {
			key := bookmarkKey{server: server.Hostname, channel: channel}
			bookmark, _ := s.bookmarks.Get(key)

			var seq int64
			for _, entry := range mockCatalog {
				if entry.channel != channel {
					continue
				}
				seq++
				if seq <= bookmark {
					continue
				}
				events = append(events, buildMockEvent(server.Hostname, channel, entry.eventID, entry.level, entry.provider, entry.keywords, entry.descr, entry.data, seq))
			}
			if seq > bookmark {
				s.bookmarks.Add(key, seq)
			}
		}
	}
	return events, nil
}

func buildMockEvent(hostname, channel string, eventID int, level, provider string, keywords []string, description string, data map[string]string, recordID int64) model.Event {
	dataFields := make(map[string]model.Value, len(data))
	for k, v := range data {
		dataFields[k] = model.String(v)
	}
	kwValues := make([]model.Value, len(keywords))
	for i, k := range keywords {
		kwValues[i] = model.String(k)
	}

	return model.Event{
		Timestamp: time.Now().UTC(),
		Fields: map[string]model.Value{
			"hostname":    model.String(hostname),
			"channel":     model.String(channel),
			"event_id":    model.Int(int64(eventID)),
			"record_id":   model.Int(recordID),
			"level":       model.String(level),
			"provider":    model.String(provider),
			"keywords":    model.List(kwValues),
			"description": model.String(description),
			"data":        model.Map(dataFields),
		},
	}
}

// TestConnection always succeeds in mock mode.
func (s *Source) TestConnection(ctx context.Context) error {
	if !s.mockMode {
		return agenterrors.NewCollectorError("real windows event collection is not implemented on this platform", nil)
	}
	return nil
}

// Info reports static configuration plus mock-mode status.
func (s *Source) Info() map[string]any {
	return map[string]any{
		"type":      "windows_event",
		"servers":   s.cfg.Servers,
		"channels":  s.cfg.Channels,
		"mock_mode": s.mockMode,
		"platform":  runtime.GOOS,
	}
}

// ResetBookmarks clears the recorded read position for every server/channel
// pair, forcing the next collection to replay the full mock catalog.
func (s *Source) ResetBookmarks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks.Purge()
}

// AvailableChannels returns the configured channel names.
func (s *Source) AvailableChannels() []string {
	return append([]string(nil), s.cfg.Channels...)
}

// BookmarkStatus reports the current bookmark for every server/channel
// pair, keyed "hostname/channel".
func (s *Source) BookmarkStatus() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := make(map[string]int64)
	for _, server := range s.cfg.Servers {
		for _, channel := range s.cfg.Channels {
			key := bookmarkKey{server: server.Hostname, channel: channel}
			if v, ok := s.bookmarks.Get(key); ok {
				status[fmt.Sprintf("%s/%s", server.Hostname, channel)] = v
			}
		}
	}
	return status
}
