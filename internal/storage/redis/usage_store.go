package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client *redis.Client
}

// GetDailyUsage retrieves one app's usage for a date, including its sessions
func (s *usageStore) GetDailyUsage(ctx context.Context, date, appID string) (*storage.UsageRecord, error) {
	pipe := s.client.Pipeline()
	hashCmd := pipe.HGetAll(ctx, usageKey(date, appID))
	sessionsCmd := pipe.LRange(ctx, usageSessionsKey(date, appID), 0, -1)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := hashCmd.Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	sessions, err := sessionsCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	return parseUsageRecord(data, sessions)
}

// ListDailyUsage returns every app's usage record for a date
func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.UsageRecord, error) {
	appIDs, err := s.client.SMembers(ctx, usageIndexKey(date)).Result()
	if err != nil {
		return nil, err
	}

	if len(appIDs) == 0 {
		return []storage.UsageRecord{}, nil
	}

	pipe := s.client.Pipeline()
	hashCmds := make([]*redis.MapStringStringCmd, len(appIDs))
	sessionCmds := make([]*redis.StringSliceCmd, len(appIDs))
	for i, appID := range appIDs {
		hashCmds[i] = pipe.HGetAll(ctx, usageKey(date, appID))
		sessionCmds[i] = pipe.LRange(ctx, usageSessionsKey(date, appID), 0, -1)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]storage.UsageRecord, 0, len(appIDs))
	for i := range appIDs {
		data, err := hashCmds[i].Result()
		if err != nil || len(data) == 0 {
			continue
		}
		sessions, _ := sessionCmds[i].Result()

		record, err := parseUsageRecord(data, sessions)
		if err == nil {
			records = append(records, *record)
		}
	}

	return records, nil
}

// AppendSession atomically appends a closed session and adds its duration
func (s *usageStore) AppendSession(ctx context.Context, date, appID string, entry storage.SessionEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}

	script := redis.NewScript(appendSessionScript)
	keys := []string{usageKey(date, appID), usageSessionsKey(date, appID), usageIndexKey(date)}
	args := []interface{}{date, appID, string(payload), entry.DurationSeconds}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// IncrementLaunches records one launch of an app for a date
func (s *usageStore) IncrementLaunches(ctx context.Context, date, appID string) error {
	return s.incrementField(ctx, date, appID, "launches")
}

// IncrementViolations records one blocked access attempt for a date
func (s *usageStore) IncrementViolations(ctx context.Context, date, appID string) error {
	return s.incrementField(ctx, date, appID, "violations")
}

func (s *usageStore) incrementField(ctx context.Context, date, appID, field string) error {
	script := redis.NewScript(incrementUsageFieldScript)
	keys := []string{usageKey(date, appID), usageIndexKey(date)}
	return script.Run(ctx, s.client, keys, date, appID, field).Err()
}
