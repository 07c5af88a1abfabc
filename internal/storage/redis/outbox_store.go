package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type outboxStore struct {
	client *redis.Client
}

// Enqueue stores a notification and schedules it at rec.NextAttemptAt
func (s *outboxStore) Enqueue(ctx context.Context, rec storage.OutboxRecord) error {
	return s.write(ctx, rec, true)
}

// ListDue returns unsent notifications whose next attempt is at or before now
func (s *outboxStore) ListDue(ctx context.Context, now time.Time, limit int) ([]storage.OutboxRecord, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, outboxDueKey(), opt).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.OutboxRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			s.client.ZRem(ctx, outboxDueKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

// MarkSent records a successful dispatch and removes the record from the schedule
func (s *outboxStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	rec.SentAt = &sentAt
	rec.LastError = ""
	return s.write(ctx, *rec, false)
}

// Reschedule records a failed attempt and moves the next attempt to next
func (s *outboxStore) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastError string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	rec.AttemptCount = attempts
	rec.NextAttemptAt = next
	rec.LastError = lastError
	return s.write(ctx, *rec, true)
}

func (s *outboxStore) get(ctx context.Context, id string) (*storage.OutboxRecord, error) {
	data, err := s.client.Get(ctx, outboxKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec storage.OutboxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse outbox record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *outboxStore) write(ctx context.Context, rec storage.OutboxRecord, scheduled bool) error {
	if rec.ID == "" {
		return fmt.Errorf("outbox record id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, outboxKey(rec.ID), payload, 0)
		if scheduled {
			pipe.ZAdd(ctx, outboxDueKey(), redis.Z{
				Score:  float64(rec.NextAttemptAt.UnixMilli()),
				Member: rec.ID,
			})
		} else {
			pipe.ZRem(ctx, outboxDueKey(), rec.ID)
		}
		return nil
	})
	return err
}
