package approval

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/storage"
)

// ProcessOutboxDue dispatches due supporter notifications. Failed sends
// are rescheduled with exponential backoff; notifications for requests
// that were decided before dispatch are marked sent without sending.
func (w *Workflow) ProcessOutboxDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if w.notifier == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	due, err := w.outbox.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if rec.RequestID != "" {
			req, err := w.approvals.Get(ctx, rec.RequestID)
			if err == nil && req.Status != storage.ApprovalPending {
				if err := w.outbox.MarkSent(ctx, rec.ID, now); err != nil {
					return processed, err
				}
				metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
				processed++
				continue
			}
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return processed, err
			}
		}

		sendErr := w.notifier.Notify(ctx, notify.Notice{
			ID:       rec.ID,
			Audience: notify.AudienceSupporter,
			Kind:     rec.Kind,
			AppID:    rec.AppID,
			Title:    rec.Title,
			Body:     rec.Body,
			At:       rec.CreatedAt,
		})
		if sendErr != nil {
			next := now.Add(nextAttempt(rec.AttemptCount))
			if err := w.outbox.Reschedule(ctx, rec.ID, rec.AttemptCount+1, next, sendErr.Error()); err != nil {
				return processed, err
			}
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			w.logger.Warn().Err(sendErr).
				Str("notification_id", rec.ID).
				Int("attempt", rec.AttemptCount+1).
				Time("next_attempt_at", next).
				Msg("Supporter notification failed")
			processed++
			continue
		}

		if err := w.outbox.MarkSent(ctx, rec.ID, now); err != nil {
			return processed, err
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		processed++
	}

	return processed, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 16 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunOutboxWorker polls and dispatches due notifications until ctx is done
func (w *Workflow) RunOutboxWorker(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.OutboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessOutboxDue(ctx, w.clock.Now(), 25); err != nil {
				w.logger.Warn().Err(err).Msg("Outbox dispatch failed")
			}
		}
	}
}
