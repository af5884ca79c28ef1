package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(Config{
		DBPath:      path,
		MaxSize:     100,
		BatchSize:   10,
		RetryDelays: []time.Duration{30 * time.Second, 300 * time.Second},
		MaxAge:      72 * time.Hour,
		Compress:    true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.Event{ID: "evt-1", Fields: map[string]model.Value{"k": model.String("v")}}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, id, items[0].ID)
	require.Equal(t, 5, items[0].Priority)

	require.NoError(t, q.MarkCompleted(ctx, []string{id}))

	n, err := q.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMarkFailedSchedulesNextRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.Event{ID: "evt-2"}, 0)
	require.NoError(t, err)
	_, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, []string{id}, "boom"))

	var nextRetry, updatedAt int64
	row := q.db.QueryRow("SELECT next_retry, updated_at FROM queued_events WHERE id = ?", id)
	require.NoError(t, row.Scan(&nextRetry, &updatedAt))
	require.InDelta(t, 30, nextRetry-updatedAt, 2)
}

func TestQueueBackgroundCleanupRemovesCompletedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(Config{
		DBPath:          path,
		MaxSize:         100,
		BatchSize:       10,
		RetryDelays:     []time.Duration{30 * time.Second},
		MaxAge:          72 * time.Hour,
		CleanupInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	ctx := context.Background()
	id, err := q.Enqueue(ctx, model.Event{ID: "evt-bg"}, 0)
	require.NoError(t, err)
	_, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, []string{id}))

	require.Eventually(t, func() bool {
		count, err := q.Count(ctx)
		return err == nil && count == 0
	}, time.Second, 10*time.Millisecond, "background cleanup never removed completed row")
}

func TestIdempotentOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	cfg := Config{DBPath: path, MaxSize: 10, BatchSize: 5, RetryDelays: []time.Duration{time.Second}}

	q1, err := Open(cfg, nil)
	require.NoError(t, err)
	_, err = q1.Enqueue(context.Background(), model.Event{ID: "x"}, 0)
	require.NoError(t, err)
	require.NoError(t, q1.db.Close())

	q2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer q2.Close(context.Background())

	count, err := q2.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
