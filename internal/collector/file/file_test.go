package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCollectEventsReadsAppendedLines(t *testing.T) {
	path := writeFile(t, "")
	s := New(Config{Path: path, StartPosition: "start"}, nil)
	require.NoError(t, s.Initialize(context.Background()))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("hello world\nsecond line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	msg, ok := events[0].Fields["message"].String()
	require.True(t, ok)
	require.Equal(t, "hello world", msg)
}

func TestCollectEventsMultilineReassembly(t *testing.T) {
	path := writeFile(t, "")
	s := New(Config{Path: path, StartPosition: "start", MultilinePattern: `^\d{4}-`}, nil)
	require.NoError(t, s.Initialize(context.Background()))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2024-01-01 start of event\n  continuation one\n  continuation two\n2024-01-02 next event\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	msg, _ := events[0].Fields["message"].String()
	require.Contains(t, msg, "continuation two")
	lineCount, _ := events[0].Fields["line_count"].Int()
	require.Equal(t, int64(3), lineCount)
}

func TestCollectEventsDetectsRotation(t *testing.T) {
	path := writeFile(t, "old content line\n")
	s := New(Config{Path: path, StartPosition: "end"}, nil)
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("new short\n"), 0o644))

	events, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	msg, _ := events[0].Fields["message"].String()
	require.Equal(t, "new short", msg)
}

func TestTestConnectionFailsOnMissingFile(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "missing.log")}, nil)
	require.Error(t, s.TestConnection(context.Background()))
}
