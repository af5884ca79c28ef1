// Package queue implements the persistent retry queue: the durable store
// between the hot buffer and the transport, grounded on
// agent/core/persistent_queue.py (schema, retry schedule, zlib compression,
// expiry sweep) and the reference service's SQLite connection/pragma
// pattern.
package queue

import (
	"bytes"
	"compress/zlib"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/model"
)

// Status is the queued_events row status column.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Item is a dequeued, decompressed event ready to ship.
type Item struct {
	ID       string
	Event    model.Event
	Priority int
	Attempts int
}

// Config configures a Queue.
type Config struct {
	DBPath          string
	MaxSize         int
	BatchSize       int
	RetryDelays     []time.Duration
	MaxAttempts     int
	MaxAge          time.Duration
	Compress        bool
	CleanupInterval time.Duration
}

// Queue is the persistent retry queue handle, a process-wide singleton per
// spec.md §9.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	stopCh      chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// Open opens (creating and migrating if needed) the queue database.
// Idempotent: calling Open twice on the same path has the same observable
// state as calling it once (spec.md invariant 8).
func Open(cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = len(cfg.RetryDelays) + 1
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, agenterrors.NewQueueError("failed to open persistent queue database", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, agenterrors.NewQueueError("failed to apply pragma: "+pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, agenterrors.NewQueueError("failed to migrate persistent queue schema", err)
	}

	q := &Queue{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	if q.cfg.CleanupInterval > 0 {
		go q.cleanupLoop()
	} else {
		close(q.cleanupDone)
	}

	return q, nil
}

// cleanupLoop runs the periodic expiry sweep, mirroring
// persistent_queue.py's _cleanup_task/_background_cleanup: the queue owns
// its own background schedule instead of depending on an external ticker to
// keep Count() from accumulating completed/expired rows forever.
func (q *Queue) cleanupLoop() {
	defer close(q.cleanupDone)
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.CleanupInterval)
			q.runSweep(ctx)
			cancel()
		}
	}
}

func (q *Queue) runSweep(ctx context.Context) {
	if _, err := q.ExpireOld(ctx); err != nil {
		q.logger.Warn("background expiry sweep failed", "error", err)
	}
	if n, err := q.Cleanup(ctx); err != nil {
		q.logger.Warn("background queue cleanup failed", "error", err)
	} else if n > 0 {
		q.logger.Info("background queue cleanup removed completed/expired rows", "count", n)
	}
}

// Close stops the background cleanup loop and closes the underlying
// database handle, performing a final expiry sweep and cleanup pass first
// (spec.md §4.2's shutdown contract: "closes persistent queue (which
// performs a final expiry sweep)").
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() { close(q.stopCh) })
	<-q.cleanupDone
	q.runSweep(ctx)
	return q.db.Close()
}

// Enqueue inserts one event at the given priority. It first runs an expiry
// sweep to reclaim space, then rejects with QueueError if the queue is
// still at MaxSize (spec.md §4.5's Enqueue contract).
func (q *Queue) Enqueue(ctx context.Context, ev model.Event, priority int) (string, error) {
	if _, err := q.ExpireOld(ctx); err != nil {
		q.logger.Warn("expiry sweep before enqueue failed", "error", err)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return "", err
	}
	if count >= q.cfg.MaxSize {
		return "", agenterrors.NewQueueError("persistent queue is full", nil)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", agenterrors.NewQueueError("failed to serialize event", err)
	}

	payload, compressed := maybeCompress(raw, q.cfg.Compress)

	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queued_events (id, payload, compressed, status, attempts, max_attempts, next_retry, error, priority, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, NULL, NULL, ?, ?, ?)`,
		id, payload, boolToInt(compressed), q.cfg.MaxAttempts, priority, now, now)
	if err != nil {
		return "", agenterrors.NewQueueError("failed to enqueue event", err)
	}
	return id, nil
}

// maybeCompress zlib-compresses raw and returns the compressed form only if
// it is strictly smaller than raw (spec.md invariant 4: "Compression is
// never worse than raw").
func maybeCompress(raw []byte, enabled bool) ([]byte, bool) {
	if !enabled {
		return raw, false
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return raw, false
	}
	if err := w.Close(); err != nil {
		return raw, false
	}
	if buf.Len() < len(raw) {
		return buf.Bytes(), true
	}
	return raw, false
}

func decompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Count returns the total row count across all statuses.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_events").Scan(&n); err != nil {
		return 0, agenterrors.NewQueueError("failed to count queue rows", err)
	}
	return n, nil
}

// PendingCount returns the count of rows eligible for dequeue: pending, or
// failed with next_retry due (spec.md §4.5's "pending-count definition").
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	now := time.Now().UTC().Unix()
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queued_events WHERE status = 'pending' OR (status = 'failed' AND next_retry <= ?)", now).
		Scan(&n)
	if err != nil {
		return 0, agenterrors.NewQueueError("failed to count pending queue rows", err)
	}
	return n, nil
}

// DequeueBatch selects up to limit eligible rows ordered by
// (priority DESC, created_at ASC), atomically transitions them to
// processing, and deserializes their payloads. A row whose payload fails to
// deserialize is marked failed with the decode error and omitted from the
// returned batch (spec.md §4.5).
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, agenterrors.NewQueueError("failed to begin dequeue transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, compressed, attempts, priority FROM queued_events
		WHERE status = 'pending' OR (status = 'failed' AND next_retry <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, agenterrors.NewQueueError("failed to query dequeue candidates", err)
	}

	type candidate struct {
		id         string
		payload    []byte
		compressed bool
		attempts   int
		priority   int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var compressedInt int
		if err := rows.Scan(&c.id, &c.payload, &compressedInt, &c.attempts, &c.priority); err != nil {
			rows.Close()
			return nil, agenterrors.NewQueueError("failed to scan dequeue row", err)
		}
		c.compressed = compressedInt != 0
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, agenterrors.NewQueueError("failed to iterate dequeue rows", err)
	}

	var items []Item
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx,
			"UPDATE queued_events SET status = 'processing', updated_at = ? WHERE id = ?", now, c.id); err != nil {
			return nil, agenterrors.NewQueueError("failed to mark row processing: "+c.id, err)
		}

		raw, err := decompress(c.payload, c.compressed)
		if err != nil {
			if _, ferr := tx.ExecContext(ctx,
				"UPDATE queued_events SET status = 'failed', error = ?, updated_at = ? WHERE id = ?",
				"decompress error: "+err.Error(), now, c.id); ferr != nil {
				return nil, agenterrors.NewQueueError("failed to mark undecodable row failed: "+c.id, ferr)
			}
			continue
		}

		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			if _, ferr := tx.ExecContext(ctx,
				"UPDATE queued_events SET status = 'failed', error = ?, updated_at = ? WHERE id = ?",
				"decode error: "+err.Error(), now, c.id); ferr != nil {
				return nil, agenterrors.NewQueueError("failed to mark undecodable row failed: "+c.id, ferr)
			}
			continue
		}

		items = append(items, Item{ID: c.id, Event: ev, Priority: c.priority, Attempts: c.attempts})
	}

	if err := tx.Commit(); err != nil {
		return nil, agenterrors.NewQueueError("failed to commit dequeue transaction", err)
	}
	return items, nil
}

// MarkCompleted transitions the given ids to status=completed.
func (q *Queue) MarkCompleted(ctx context.Context, ids []string) error {
	return q.forEach(ctx, ids, func(tx *sql.Tx, id string, now int64) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE queued_events SET status = 'completed', updated_at = ? WHERE id = ?", now, id)
		return err
	})
}

// MarkFailed transitions the given ids to failed, computing next_retry from
// the configured retry schedule by attempts count, or to a terminal failed
// state (next_retry left NULL) once attempts >= MaxAttempts.
//
// Retry schedule correctness (spec.md invariant 3): for attempts=k,
// next_retry - updated_at == RetryDelays[k-1] for 0 < k <= len(RetryDelays).
func (q *Queue) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	return q.forEach(ctx, ids, func(tx *sql.Tx, id string, now int64) error {
		var attempts, maxAttempts int
		if err := tx.QueryRowContext(ctx,
			"SELECT attempts, max_attempts FROM queued_events WHERE id = ?", id).Scan(&attempts, &maxAttempts); err != nil {
			return err
		}
		attempts++

		var nextRetry sql.NullInt64
		if attempts < maxAttempts && attempts <= len(q.cfg.RetryDelays) {
			nextRetry = sql.NullInt64{Int64: now + int64(q.cfg.RetryDelays[attempts-1].Seconds()), Valid: true}
		}

		_, err := tx.ExecContext(ctx,
			"UPDATE queued_events SET status = 'failed', attempts = ?, next_retry = ?, error = ?, updated_at = ? WHERE id = ?",
			attempts, nextRetry, errMsg, now, id)
		return err
	})
}

func (q *Queue) forEach(ctx context.Context, ids []string, fn func(tx *sql.Tx, id string, now int64) error) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return agenterrors.NewQueueError("failed to begin transition transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	for _, id := range ids {
		if err := fn(tx, id, now); err != nil {
			return agenterrors.NewQueueError("failed to transition row: "+id, err)
		}
	}
	return tx.Commit()
}

// ExpireOld marks rows older than MaxAge as expired, regardless of status
// (except terminal completed/expired rows, which are left alone).
func (q *Queue) ExpireOld(ctx context.Context) (int64, error) {
	if q.cfg.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-q.cfg.MaxAge).Unix()
	res, err := q.db.ExecContext(ctx,
		"UPDATE queued_events SET status = 'expired', updated_at = ? WHERE created_at < ? AND status NOT IN ('completed', 'expired')",
		time.Now().UTC().Unix(), cutoff)
	if err != nil {
		return 0, agenterrors.NewQueueError("failed to expire old queue rows", err)
	}
	return res.RowsAffected()
}

// Cleanup deletes completed and expired rows, reclaiming space.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM queued_events WHERE status IN ('completed', 'expired')")
	if err != nil {
		return 0, agenterrors.NewQueueError("failed to clean up queue", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
