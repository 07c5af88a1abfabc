package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type crisisAuditStore struct {
	client *redis.Client
}

// Append adds an entry to the end of the audit log
func (s *crisisAuditStore) Append(ctx context.Context, entry storage.CrisisAuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal crisis audit entry: %w", err)
	}
	return s.client.RPush(ctx, crisisAuditKey(), payload).Err()
}

// List returns the audit log in activation order
func (s *crisisAuditStore) List(ctx context.Context) ([]storage.CrisisAuditEntry, error) {
	raw, err := s.client.LRange(ctx, crisisAuditKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]storage.CrisisAuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry storage.CrisisAuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse crisis audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
