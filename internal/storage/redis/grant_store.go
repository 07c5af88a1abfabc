package redis

import (
	"context"
	"errors"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type grantStore struct {
	client *redis.Client
}

// Put stores a grant; Redis expires it at grant.ExpiresAt
func (s *grantStore) Put(ctx context.Context, grant storage.Grant) error {
	key := grantKey(grant.AppID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"app_id", grant.AppID,
			"request_id", grant.RequestID,
			"granted_at", formatTime(grant.GrantedAt),
			"expires_at", formatTime(grant.ExpiresAt),
		)
		pipe.PExpireAt(ctx, key, grant.ExpiresAt)
		pipe.SAdd(ctx, grantIndexKey(), grant.AppID)
		return nil
	})
	return err
}

// Get retrieves the grant for an app
func (s *grantStore) Get(ctx context.Context, appID string) (*storage.Grant, error) {
	data, err := s.client.HGetAll(ctx, grantKey(appID)).Result()
	if err != nil {
		return nil, err
	}
	return parseGrant(data)
}

// List returns all grants that have not yet been expired by Redis
func (s *grantStore) List(ctx context.Context) ([]storage.Grant, error) {
	appIDs, err := s.client.SMembers(ctx, grantIndexKey()).Result()
	if err != nil {
		return nil, err
	}

	grants := make([]storage.Grant, 0, len(appIDs))
	for _, appID := range appIDs {
		grant, err := s.Get(ctx, appID)
		if errors.Is(err, storage.ErrNotFound) {
			// Expired by TTL; prune the index entry
			s.client.SRem(ctx, grantIndexKey(), appID)
			continue
		}
		if err != nil {
			return nil, err
		}
		grants = append(grants, *grant)
	}

	return grants, nil
}
