package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type restrictionStore struct {
	client *redis.Client
}

// Get retrieves the restriction configured for an app
func (s *restrictionStore) Get(ctx context.Context, appID string) (*storage.RestrictionRecord, error) {
	data, err := s.client.Get(ctx, restrictionKey(appID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record storage.RestrictionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse restriction %s: %w", appID, err)
	}
	return &record, nil
}

// List returns every configured restriction
func (s *restrictionStore) List(ctx context.Context) ([]storage.RestrictionRecord, error) {
	appIDs, err := s.client.SMembers(ctx, restrictionIndexKey()).Result()
	if err != nil {
		return nil, err
	}

	if len(appIDs) == 0 {
		return []storage.RestrictionRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(appIDs))
	for i, appID := range appIDs {
		cmds[i] = pipe.Get(ctx, restrictionKey(appID))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]storage.RestrictionRecord, 0, len(appIDs))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var record storage.RestrictionRecord
		if err := json.Unmarshal(data, &record); err == nil {
			records = append(records, record)
		}
	}

	return records, nil
}

// Upsert creates or replaces the restriction for record.AppID
func (s *restrictionStore) Upsert(ctx context.Context, record storage.RestrictionRecord) error {
	if record.AppID == "" {
		return fmt.Errorf("restriction app_id is required")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal restriction: %w", err)
	}

	script := redis.NewScript(upsertRestrictionScript)
	keys := []string{restrictionKey(record.AppID), restrictionIndexKey()}
	return script.Run(ctx, s.client, keys, record.AppID, string(payload)).Err()
}

// Replace writes record only if the stored record still has the type and
// updated_at of expected. It reports whether the write happened.
func (s *restrictionStore) Replace(ctx context.Context, expected, record storage.RestrictionRecord) (bool, error) {
	if record.AppID == "" || record.AppID != expected.AppID {
		return false, fmt.Errorf("restriction app_id mismatch")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal restriction: %w", err)
	}
	typeField, err := json.Marshal(expected.Type)
	if err != nil {
		return false, err
	}
	updatedField, err := json.Marshal(expected.UpdatedAt)
	if err != nil {
		return false, err
	}

	script := redis.NewScript(replaceRestrictionScript)
	written, err := script.Run(ctx, s.client, []string{restrictionKey(record.AppID)},
		string(payload),
		`"type":`+string(typeField),
		`"updated_at":`+string(updatedField),
	).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// Delete removes the restriction for an app
func (s *restrictionStore) Delete(ctx context.Context, appID string) error {
	script := redis.NewScript(deleteRestrictionScript)
	keys := []string{restrictionKey(appID), restrictionIndexKey()}

	removed, err := script.Run(ctx, s.client, keys, appID).Int()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}
