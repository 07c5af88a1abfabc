package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

type approvalStore struct {
	client *redis.Client
}

// Create stores a new pending request. It returns storage.ErrConflict when
// a request is already pending for the same app.
func (s *approvalStore) Create(ctx context.Context, req storage.ApprovalRequest) error {
	if req.ID == "" || req.AppID == "" {
		return fmt.Errorf("approval request id and app_id are required")
	}

	script := redis.NewScript(createApprovalScript)
	keys := []string{approvalKey(req.ID), approvalPendingKey(), approvalPendingAppKey(req.AppID)}
	args := []interface{}{req.ID, req.AppID, req.Reason, formatTime(req.RequestedAt)}

	created, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Get retrieves a request by ID
func (s *approvalStore) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	data, err := s.client.HGetAll(ctx, approvalKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseApprovalRequest(data)
}

// PendingForApp returns the pending request for an app, if any
func (s *approvalStore) PendingForApp(ctx context.Context, appID string) (*storage.ApprovalRequest, error) {
	id, err := s.client.Get(ctx, approvalPendingAppKey(appID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListPending returns all pending requests, oldest first
func (s *approvalStore) ListPending(ctx context.Context) ([]storage.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, approvalPendingKey()).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.ApprovalRequest{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, approvalKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	requests := make([]storage.ApprovalRequest, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		req, err := parseApprovalRequest(data)
		if err == nil && req.Status == storage.ApprovalPending {
			requests = append(requests, *req)
		}
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})

	return requests, nil
}

// Resolve moves a pending request to a terminal status
func (s *approvalStore) Resolve(ctx context.Context, id string, status storage.ApprovalStatus, resolvedAt time.Time, grantedUntil *time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot resolve approval to non-terminal status %q", status)
	}

	appID, err := s.client.HGet(ctx, approvalKey(id), "app_id").Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	until := ""
	if grantedUntil != nil {
		until = formatTime(*grantedUntil)
	}

	script := redis.NewScript(resolveApprovalScript)
	keys := []string{approvalKey(id), approvalPendingKey(), approvalPendingAppKey(appID)}
	args := []interface{}{id, string(status), formatTime(resolvedAt), until}

	result, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}

	switch result {
	case 1:
		return nil
	case 0:
		return storage.ErrConflict
	default:
		return storage.ErrNotFound
	}
}
