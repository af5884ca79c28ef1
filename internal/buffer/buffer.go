// Package buffer implements the hot buffer: the first durable stage an
// event lands in after a collector produces it, grounded on
// agent/core/buffer.py (schema, retry-audit log, size-bound sweep,
// repair-on-corruption) and the reference service's internal/storage/sqlite
// package (WAL setup, pragma tuning, pure-Go modernc.org/sqlite driver).
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/model"
)

// Status is the hot-buffer row status column (spec.md §3's Hot-buffer row).
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Row is one hot-buffer row.
type Row struct {
	ID         string
	AgentID    string
	Timestamp  time.Time
	Event      model.Event
	Status     Status
	RetryCount int
	CreatedAt  time.Time
	SentAt     *time.Time
	SizeBytes  int
}

// Buffer is the hot buffer handle. One instance is a process-wide singleton
// per spec.md §9's shared-resource policy — SQLite's own file locking
// serializes concurrent writers, Buffer adds no extra locking of its own.
type Buffer struct {
	db        *sql.DB
	maxSize   int
	batchSize int
	logger    *slog.Logger

	cleanupInterval time.Duration
	stopCh          chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// Config configures a Buffer.
type Config struct {
	DBPath          string
	MaxSize         int
	BatchSize       int
	CleanupInterval time.Duration
}

// Open opens (creating if needed) the SQLite database at cfg.DBPath in WAL
// mode and applies migrations. It also runs an integrity check; on failure
// it attempts the repair sequence from buffer.py's repair_buffer() before
// giving up.
func Open(cfg Config, logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, agenterrors.NewBufferError("failed to open hot buffer database", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, agenterrors.NewBufferError("failed to apply pragma: "+pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, agenterrors.NewBufferError("failed to migrate hot buffer schema", err)
	}

	b := &Buffer{
		db:              db,
		maxSize:         cfg.MaxSize,
		batchSize:       cfg.BatchSize,
		logger:          logger,
		cleanupInterval: cfg.CleanupInterval,
		stopCh:          make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	if err := b.integrityCheck(); err != nil {
		logger.Warn("hot buffer failed integrity check, attempting repair", "error", err)
		if err := b.repair(); err != nil {
			db.Close()
			return nil, agenterrors.NewBufferError("hot buffer repair failed", err)
		}
	}

	if b.cleanupInterval > 0 {
		go b.cleanupLoop()
	} else {
		close(b.cleanupDone)
	}

	return b, nil
}

// cleanupLoop periodically sweeps sent rows off the hot buffer, mirroring
// buffer.py's cleanup_task/_cleanup_loop: the buffer owns its own background
// schedule rather than waiting on an external ticker.
func (b *Buffer) cleanupLoop() {
	defer close(b.cleanupDone)
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cleanupInterval)
			if n, err := b.CleanupSent(ctx); err != nil {
				b.logger.Warn("background hot buffer cleanup failed", "error", err)
			} else if n > 0 {
				b.logger.Info("background hot buffer cleanup removed sent rows", "count", n)
			}
			cancel()
		}
	}
}

func (b *Buffer) integrityCheck() error {
	var result string
	if err := b.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check reported: %s", result)
	}
	return nil
}

// repair mirrors buffer.py's repair_buffer(): reindex, then vacuum.
func (b *Buffer) repair() error {
	if _, err := b.db.Exec("REINDEX"); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	if _, err := b.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return b.integrityCheck()
}

// Close stops the background cleanup loop and closes the underlying
// database handle.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.cleanupDone
	return b.db.Close()
}

// Insert pushes a batch of events into the buffer with status=pending. The
// size bound is enforced by eviction, not rejection: once count >= maxSize,
// the oldest (count - maxSize + batchSize) rows are deleted before the
// insert proceeds — a warning is logged, but the insert is never refused,
// since liveness outranks completeness for the hot buffer.
func (b *Buffer) Insert(ctx context.Context, agentID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return agenterrors.NewBufferError("failed to begin insert transaction", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return agenterrors.NewBufferError("failed to count hot buffer rows", err)
	}
	if count >= b.maxSize {
		evict := count - b.maxSize + b.batchSize
		res, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM events ORDER BY timestamp ASC LIMIT ?
			)`, evict)
		if err != nil {
			return agenterrors.NewBufferError("failed to evict oldest hot buffer rows", err)
		}
		evicted, _ := res.RowsAffected()
		b.logger.Warn("hot buffer full, evicting oldest rows to admit new events",
			"count", count, "max_size", b.maxSize, "evicted", evicted)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, agent_id, timestamp, event_data, status, retry_count, created_at, sent_at, size_bytes)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, NULL, ?)`)
	if err != nil {
		return agenterrors.NewBufferError("failed to prepare insert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return agenterrors.NewBufferError("failed to serialize event "+ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, agentID, ev.Timestamp.Unix(), data, now.Unix(), len(data)); err != nil {
			return agenterrors.NewBufferError("failed to insert event "+ev.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE buffer_stats SET total_inserted = total_inserted + ? WHERE id = 1", len(events)); err != nil {
		return agenterrors.NewBufferError("failed to update buffer stats", err)
	}

	if err := tx.Commit(); err != nil {
		return agenterrors.NewBufferError("failed to commit insert transaction", err)
	}
	return nil
}

// Count returns the total row count across all statuses.
func (b *Buffer) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, agenterrors.NewBufferError("failed to count hot buffer rows", err)
	}
	return n, nil
}

// DequeuePending selects up to limit pending rows ordered by timestamp
// (preserving intra-collector FIFO order, spec.md invariant 3).
func (b *Buffer) DequeuePending(ctx context.Context, limit int) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, agent_id, timestamp, event_data, status, retry_count, created_at, sent_at, size_bytes
		FROM events WHERE status = 'pending' ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, agenterrors.NewBufferError("failed to query pending rows", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, ev, err := scanRow(rows)
		if err != nil {
			b.logger.Warn("skipping undecodable hot buffer row", "error", err)
			continue
		}
		r.Event = ev
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, model.Event, error) {
	var (
		r         Row
		data      []byte
		createdAt int64
		ts        int64
		sentAt    sql.NullInt64
	)
	if err := rows.Scan(&r.ID, &r.AgentID, &ts, &data, &r.Status, &r.RetryCount, &createdAt, &sentAt, &r.SizeBytes); err != nil {
		return Row{}, model.Event{}, err
	}
	r.Timestamp = time.Unix(ts, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if sentAt.Valid {
		t := time.Unix(sentAt.Int64, 0).UTC()
		r.SentAt = &t
	}
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return r, model.Event{}, fmt.Errorf("decode event %s: %w", r.ID, err)
	}
	return r, ev, nil
}

// MarkSent transitions the given ids to status=sent, setting sent_at.
func (b *Buffer) MarkSent(ctx context.Context, ids []string) error {
	return b.transitionMany(ctx, ids, "sent", true, "")
}

// MarkFailed transitions the given ids to status=failed, incrementing
// retry_count and recording an audit-log entry per id (spec.md's
// supplemented retry-audit log, from buffer.py's retry_log table).
func (b *Buffer) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	return b.transitionMany(ctx, ids, "failed", false, errMsg)
}

func (b *Buffer) transitionMany(ctx context.Context, ids []string, status string, setSentAt bool, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return agenterrors.NewBufferError("failed to begin transition transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	for _, id := range ids {
		if setSentAt {
			if _, err := tx.ExecContext(ctx,
				"UPDATE events SET status = ?, sent_at = ? WHERE id = ?", status, now, id); err != nil {
				return agenterrors.NewBufferError("failed to mark event sent: "+id, err)
			}
		} else {
			var retryCount int
			if err := tx.QueryRowContext(ctx, "SELECT retry_count FROM events WHERE id = ?", id).Scan(&retryCount); err != nil {
				continue
			}
			retryCount++
			if _, err := tx.ExecContext(ctx,
				"UPDATE events SET status = ?, retry_count = ? WHERE id = ?", status, retryCount, id); err != nil {
				return agenterrors.NewBufferError("failed to mark event failed: "+id, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO retry_log (event_id, attempt_number, attempted_at, error_message) VALUES (?, ?, ?, ?)",
				id, retryCount, now, errMsg); err != nil {
				return agenterrors.NewBufferError("failed to record retry audit log for: "+id, err)
			}
		}
	}

	statsCol := "total_sent"
	if status == "failed" {
		statsCol = "total_failed"
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE buffer_stats SET %s = %s + ? WHERE id = 1", statsCol, statsCol), len(ids)); err != nil {
		return agenterrors.NewBufferError("failed to update buffer stats", err)
	}

	return tx.Commit()
}

// ResetFailedEvents bulk-transitions failed rows under maxRetries back to
// pending — an operator escape hatch distinct from the persistent queue's
// own retry schedule (buffer.py's reset_failed_events).
func (b *Buffer) ResetFailedEvents(ctx context.Context, maxRetries int) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		"UPDATE events SET status = 'pending' WHERE status = 'failed' AND retry_count < ?", maxRetries)
	if err != nil {
		return 0, agenterrors.NewBufferError("failed to reset failed events", err)
	}
	return res.RowsAffected()
}

// CleanupSent deletes rows already marked sent, bounding buffer growth.
func (b *Buffer) CleanupSent(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, "DELETE FROM events WHERE status = 'sent'")
	if err != nil {
		return 0, agenterrors.NewBufferError("failed to clean up sent events", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_, _ = b.db.ExecContext(ctx, "UPDATE buffer_stats SET last_cleanup_at = ? WHERE id = 1", time.Now().UTC().Unix())
	}
	return n, nil
}

// RetryInfo is one retry_log entry, exposed via GetRetryInfo.
type RetryInfo struct {
	EventID       string
	AttemptNumber int
	AttemptedAt   time.Time
	ErrorMessage  string
}

// GetRetryInfo returns the retry-audit trail for a single event.
func (b *Buffer) GetRetryInfo(ctx context.Context, eventID string) ([]RetryInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT event_id, attempt_number, attempted_at, error_message FROM retry_log WHERE event_id = ? ORDER BY attempt_number ASC",
		eventID)
	if err != nil {
		return nil, agenterrors.NewBufferError("failed to query retry info", err)
	}
	defer rows.Close()

	var out []RetryInfo
	for rows.Next() {
		var ri RetryInfo
		var attemptedAt int64
		var msg sql.NullString
		if err := rows.Scan(&ri.EventID, &ri.AttemptNumber, &attemptedAt, &msg); err != nil {
			return nil, agenterrors.NewBufferError("failed to scan retry info", err)
		}
		ri.AttemptedAt = time.Unix(attemptedAt, 0).UTC()
		ri.ErrorMessage = msg.String
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Stats is the singleton buffer_stats row.
type Stats struct {
	TotalInserted int64
	TotalSent     int64
	TotalFailed   int64
	LastCleanupAt *time.Time
}

// GetStats returns the current aggregate counters.
func (b *Buffer) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	var lastCleanup sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		"SELECT total_inserted, total_sent, total_failed, last_cleanup_at FROM buffer_stats WHERE id = 1").
		Scan(&s.TotalInserted, &s.TotalSent, &s.TotalFailed, &lastCleanup)
	if err != nil {
		return Stats{}, agenterrors.NewBufferError("failed to read buffer stats", err)
	}
	if lastCleanup.Valid {
		t := time.Unix(lastCleanup.Int64, 0).UTC()
		s.LastCleanupAt = &t
	}
	return s, nil
}
