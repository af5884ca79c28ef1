package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/model"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	b, err := Open(Config{DBPath: path, MaxSize: 100, BatchSize: 10}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInsertAndDequeuePending(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()

	ev := model.Event{Fields: map[string]model.Value{
		"user":   model.String("alice"),
		"action": model.String("login"),
	}}
	require.NoError(t, b.Insert(ctx, "agent-1", []model.Event{ev}))

	rows, err := b.DequeuePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusPending, rows[0].Status)

	user, ok := rows[0].Event.Lookup("user")
	require.True(t, ok)
	s, _ := user.String()
	require.Equal(t, "alice", s)
}

func TestMarkSentAndFailed(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()

	ev := model.Event{ID: "evt-1", Fields: map[string]model.Value{"x": model.Int(1)}}
	require.NoError(t, b.Insert(ctx, "agent-1", []model.Event{ev}))

	require.NoError(t, b.MarkFailed(ctx, []string{"evt-1"}, "boom"))
	retryInfo, err := b.GetRetryInfo(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, retryInfo, 1)
	require.Equal(t, "boom", retryInfo[0].ErrorMessage)

	require.NoError(t, b.MarkSent(ctx, []string{"evt-1"}))
	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalSent)
	require.Equal(t, int64(1), stats.TotalFailed)
}

func TestFullBufferEvictsOldestRowsInsteadOfRejecting(t *testing.T) {
	b := newTestBuffer(t)
	b.maxSize = 1
	b.batchSize = 0
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "agent-1", []model.Event{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, b.Insert(ctx, "agent-1", []model.Event{{ID: "c"}}))

	count, err := b.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rows, err := b.DequeuePending(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	require.Contains(t, ids, "c")
}

func TestBufferBackgroundCleanupRemovesSentRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	b, err := Open(Config{DBPath: path, MaxSize: 100, BatchSize: 10, CleanupInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, "agent-1", []model.Event{{ID: "evt-1"}}))
	require.NoError(t, b.MarkSent(ctx, []string{"evt-1"}))

	require.Eventually(t, func() bool {
		count, err := b.Count(ctx)
		return err == nil && count == 0
	}, time.Second, 10*time.Millisecond, "background cleanup never removed sent row")
}
