package supervisor

import (
	"context"
	"time"

	"github.com/securewatch/agent/internal/model"
)

// runBufferToQueueLoop drains the hot buffer into the persistent queue,
// governor-gated per spec.md §4.2: sleep 5s whenever the buffer component's
// throttle level says resources are short, otherwise dequeue up to
// transport.batch_size rows, enqueue each preserving priority (always 0 —
// no collected event carries a priority signal), and mark sent only the
// rows that were actually accepted into the queue.
func (s *Supervisor) runBufferToQueueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if level := s.gov.Level("buffer"); level < 1.0 {
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		cfg := s.store.Current()
		batchSize := cfg.Transport.BatchSize
		if batchSize <= 0 {
			batchSize = 100
		}

		rows, err := s.buf.DequeuePending(ctx, batchSize)
		if err != nil {
			s.logger.Error("buffer dequeue failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if len(rows) == 0 {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		var sentIDs []string
		for _, row := range rows {
			if _, err := s.q.Enqueue(ctx, row.Event, 0); err != nil {
				s.logger.Warn("queue rejected event, leaving in hot buffer for retry", "event_id", row.ID, "error", err)
				continue
			}
			sentIDs = append(sentIDs, row.ID)
		}

		if len(sentIDs) > 0 {
			if err := s.buf.MarkSent(ctx, sentIDs); err != nil {
				s.logger.Error("failed to mark hot buffer rows sent", "error", err)
			}
		}
	}
}

// runQueueToTransportLoop ships pending queue rows to the remote endpoint,
// per spec.md §4.2: sleep 2s when nothing is pending, else dequeue a batch
// and call SendEvents; on success mark the batch completed and add its
// reported counters, on failure mark every row in the batch failed with the
// transport error, and additionally sleep retry.base_delay on a
// transport-level exception so a dead endpoint doesn't spin the loop.
func (s *Supervisor) runQueueToTransportLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pending, err := s.q.PendingCount(ctx)
		if err != nil {
			s.logger.Error("queue pending count failed", "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		if pending == 0 {
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}

		cfg := s.store.Current()
		batchSize := cfg.Transport.BatchSize
		if batchSize <= 0 {
			batchSize = 100
		}

		items, err := s.q.DequeueBatch(ctx, batchSize)
		if err != nil {
			s.logger.Error("queue dequeue failed", "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		if len(items) == 0 {
			continue
		}

		ids := make([]string, len(items))
		events := make([]model.Event, len(items))
		for i, it := range items {
			ids[i] = it.ID
			events[i] = it.Event
		}

		result, sendErr := s.tr.SendEvents(ctx, events)
		if sendErr != nil {
			s.mu.Lock()
			s.transferFailures++
			s.mu.Unlock()
			s.logger.Error("send_events failed, marking batch failed for retry", "error", sendErr, "batch_size", len(items))
			if err := s.q.MarkFailed(ctx, ids, sendErr.Error()); err != nil {
				s.logger.Error("failed to mark queue rows failed", "error", err)
			}
			if !sleepCtx(ctx, cfg.Transport.Retry.BaseDelay) {
				return
			}
			continue
		}

		if err := s.q.MarkCompleted(ctx, ids); err != nil {
			s.logger.Error("failed to mark queue rows completed", "error", err)
		}

		s.mu.Lock()
		s.eventsSent += int64(len(items))
		s.bytesSent += int64(result.BytesSent)
		s.mu.Unlock()
		s.reg.EventsShipped.Add(float64(len(items)))
		s.reg.BytesShipped.Add(float64(result.BytesSent))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
