// Package file implements the file-tailing collector: a single watched
// path with rotation detection, multiline reassembly, and a priority list
// of log-line parsers, grounded on
// agent/core/collectors/file.py (FileWatcher, LogLineParser, FileCollector).
package file

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/model"
)

// Config configures a file Source.
type Config struct {
	Path             string
	LogFormat        string // auto, json, csv, or a named pattern
	MultilinePattern string
	MultilineNegate  bool
	StartPosition    string // "start" or "end"
}

// watcher tracks one file's read position and identity for rotation
// detection, mirroring file.py's FileWatcher.
type watcher struct {
	path     string
	position int64
	inode    uint64
	size     int64
}

func (w *watcher) hasRotated() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return true
	}
	if info.Size() < w.size {
		return true
	}
	if ino, ok := inodeOf(info); ok && w.inode != 0 && ino != w.inode {
		return true
	}
	return false
}

func (w *watcher) updateStats() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.inode, w.size = 0, 0
		return
	}
	w.size = info.Size()
	if ino, ok := inodeOf(info); ok {
		w.inode = ino
	}
}

func (w *watcher) readNewLines() ([]string, error) {
	if _, err := os.Stat(w.path); err != nil {
		return nil, nil
	}
	if w.hasRotated() {
		w.position = 0
		w.updateStats()
	}

	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(w.position, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		consumed += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return lines, err
	}

	w.position += consumed
	w.updateStats()
	return lines, nil
}

// patterns is the priority-ordered list of log-line regexes, tried in
// order when no explicit format is configured; first match wins
// (file.py's LogLineParser.PATTERNS).
var patterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"apache_combined", regexp.MustCompile(`^(?P<remote_addr>\S+) \S+ (?P<remote_user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<url>\S+) (?P<protocol>\S+)" (?P<status>\d+) (?P<bytes_sent>\S+) "(?P<referer>[^"]*)" "(?P<user_agent>[^"]*)"`)},
	{"apache_common", regexp.MustCompile(`^(?P<remote_addr>\S+) \S+ (?P<remote_user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<url>\S+) (?P<protocol>\S+)" (?P<status>\d+) (?P<bytes_sent>\S+)$`)},
	{"nginx", regexp.MustCompile(`^(?P<remote_addr>\S+) - (?P<remote_user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<url>\S+) (?P<protocol>\S+)" (?P<status>\d+) (?P<bytes_sent>\S+) "(?P<referer>[^"]*)" "(?P<user_agent>[^"]*)"`)},
	{"syslog", regexp.MustCompile(`^(?P<timestamp>\w+\s+\d+\s+\d+:\d+:\d+) (?P<hostname>\S+) (?P<process>\S+?)(?:\[(?P<pid>\d+)\])?: (?P<message>.*)`)},
	{"json", regexp.MustCompile(`^\{.*\}$`)},
	{"timestamp_message", regexp.MustCompile(`^(?P<timestamp>\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+(?P<level>\w+)?\s*(?P<message>.*)`)},
}

// parseLine tries format first (if it names a known pattern), then falls
// back to the priority list, then to a bare {message: line}.
func parseLine(line, format string) map[string]string {
	if line == "" {
		return nil
	}
	if format != "" && format != "auto" {
		for _, p := range patterns {
			if p.name == format {
				if m := namedGroups(p.re, line); m != nil {
					return m
				}
			}
		}
	}
	for _, p := range patterns {
		if m := namedGroups(p.re, line); m != nil {
			m["_pattern"] = p.name
			return m
		}
	}
	return map[string]string{"message": line, "_pattern": "unknown"}
}

func namedGroups(re *regexp.Regexp, line string) map[string]string {
	match := re.FindStringSubmatch(line)
	if match == nil {
		return nil
	}
	names := re.SubexpNames()
	out := make(map[string]string, len(names))
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}

// Source is the file collector's collector.Source implementation.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	w               *watcher
	multilineBuffer []string
	eventSeq        int64
}

// New builds a file Source. Discovery/initialize happens in Initialize.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, logger: logger}
}

// Initialize opens the watched file at the configured start position.
func (s *Source) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &watcher{path: s.cfg.Path}
	if s.cfg.StartPosition == "end" || s.cfg.StartPosition == "" {
		if info, err := os.Stat(s.cfg.Path); err == nil {
			w.position = info.Size()
		}
	}
	w.updateStats()
	s.w = w
	return nil
}

// Cleanup is a no-op: Source opens and closes a fresh *os.File per poll, so
// there is no long-lived handle to release.
func (s *Source) Cleanup(ctx context.Context) error { return nil }

// CollectEvents reads newly appended lines since the last poll and parses
// each into an Event, handling rotation and optional multiline
// reassembly.
func (s *Source) CollectEvents(ctx context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return nil, agenterrors.NewCollectorError("file collector not initialized", nil)
	}

	lines, err := s.w.readNewLines()
	if err != nil {
		return nil, agenterrors.NewCollectorError(fmt.Sprintf("error reading %s", s.cfg.Path), err)
	}

	var events []model.Event
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if s.cfg.MultilinePattern != "" {
			if ev := s.handleMultiline(line); ev != nil {
				events = append(events, *ev)
			}
			continue
		}
		events = append(events, s.buildEvent(line, false))
	}
	return events, nil
}

func (s *Source) handleMultiline(line string) *model.Event {
	re, err := regexp.Compile(s.cfg.MultilinePattern)
	matched := false
	if err == nil {
		matched = re.MatchString(line)
	}
	if s.cfg.MultilineNegate {
		matched = !matched
	}

	if matched {
		if len(s.multilineBuffer) > 0 {
			ev := s.buildEvent(strings.Join(s.multilineBuffer, "\n"), true)
			s.multilineBuffer = []string{line}
			return &ev
		}
		s.multilineBuffer = []string{line}
		return nil
	}

	if len(s.multilineBuffer) > 0 {
		s.multilineBuffer = append(s.multilineBuffer, line)
		return nil
	}
	ev := s.buildEvent(line, false)
	return &ev
}

func (s *Source) buildEvent(message string, multiline bool) model.Event {
	s.eventSeq++
	parsed := parseLine(message, s.cfg.LogFormat)

	fields := make(map[string]model.Value, len(parsed)+3)
	for k, v := range parsed {
		fields[k] = model.String(v)
	}
	fields["message"] = model.String(message)
	fields["source_file"] = model.String(s.cfg.Path)
	if multiline {
		fields["multiline"] = model.Bool(true)
		fields["line_count"] = model.Int(int64(strings.Count(message, "\n") + 1))
	}

	return model.Event{
		ID:        generateEventID(message, s.cfg.Path, s.eventSeq),
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

func generateEventID(content, path string, seq int64) string {
	contentHash := md5Hex(content)[:8]
	pathHash := md5Hex(path)[:8]
	return fmt.Sprintf("file-%s-%s-%s", pathHash, strconv.FormatInt(seq, 10), contentHash)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TestConnection verifies the watched file exists and is readable.
func (s *Source) TestConnection(ctx context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return agenterrors.NewCollectorError(fmt.Sprintf("file %s not accessible", s.cfg.Path), err)
	}
	defer f.Close()
	buf := make([]byte, 1024)
	_, _ = f.Read(buf)
	return nil
}

// Info reports static configuration, matching file.py's get_collector_info.
func (s *Source) Info() map[string]any {
	return map[string]any{
		"type":             "file",
		"path":             s.cfg.Path,
		"log_format":       s.cfg.LogFormat,
		"multiline_enabled": s.cfg.MultilinePattern != "",
		"start_position":   s.cfg.StartPosition,
	}
}
