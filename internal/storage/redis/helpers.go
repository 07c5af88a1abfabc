package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

const keyPrefix = "secondchance"

func restrictionKey(appID string) string { return fmt.Sprintf("%s:restriction:%s", keyPrefix, appID) }
func restrictionIndexKey() string         { return keyPrefix + ":restrictions" }

func usageKey(date, appID string) string {
	return fmt.Sprintf("%s:usage:%s:%s", keyPrefix, date, appID)
}

func usageSessionsKey(date, appID string) string {
	return usageKey(date, appID) + ":sessions"
}

func usageIndexKey(date string) string {
	return fmt.Sprintf("%s:usage:index:%s", keyPrefix, date)
}

func approvalKey(id string) string { return fmt.Sprintf("%s:approval:%s", keyPrefix, id) }
func approvalPendingKey() string    { return keyPrefix + ":approvals:pending" }

func approvalPendingAppKey(appID string) string {
	return fmt.Sprintf("%s:approvals:pending:app:%s", keyPrefix, appID)
}

func grantKey(appID string) string { return fmt.Sprintf("%s:grant:%s", keyPrefix, appID) }
func grantIndexKey() string         { return keyPrefix + ":grants" }

func crisisAuditKey() string { return keyPrefix + ":crisis:audit" }

func outboxKey(id string) string { return fmt.Sprintf("%s:outbox:%s", keyPrefix, id) }
func outboxDueKey() string        { return keyPrefix + ":outbox:due" }

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseUsageRecord converts a Redis hash and its session list to a UsageRecord
func parseUsageRecord(data map[string]string, sessions []string) (*storage.UsageRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	launches, err := strconv.Atoi(data["launches"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse launches: %w", err)
	}

	violations, err := strconv.Atoi(data["violations"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse violations: %w", err)
	}

	record := &storage.UsageRecord{
		AppID:        data["app_id"],
		Date:         data["date"],
		TotalSeconds: totalSeconds,
		Launches:     launches,
		Violations:   violations,
		Sessions:     make([]storage.SessionEntry, 0, len(sessions)),
	}

	for _, raw := range sessions {
		var entry storage.SessionEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse session entry: %w", err)
		}
		record.Sessions = append(record.Sessions, entry)
	}

	return record, nil
}

// parseApprovalRequest converts a Redis hash to an ApprovalRequest
func parseApprovalRequest(data map[string]string) (*storage.ApprovalRequest, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	requestedAt, err := time.Parse(time.RFC3339Nano, data["requested_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse requested_at: %w", err)
	}

	resolvedAt, err := parseOptionalTime(data["resolved_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
	}

	grantedUntil, err := parseOptionalTime(data["granted_until"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse granted_until: %w", err)
	}

	return &storage.ApprovalRequest{
		ID:           data["id"],
		AppID:        data["app_id"],
		Reason:       data["reason"],
		RequestedAt:  requestedAt,
		Status:       storage.ApprovalStatus(data["status"]),
		ResolvedAt:   resolvedAt,
		GrantedUntil: grantedUntil,
	}, nil
}

// parseGrant converts a Redis hash to a Grant
func parseGrant(data map[string]string) (*storage.Grant, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	grantedAt, err := time.Parse(time.RFC3339Nano, data["granted_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse granted_at: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, data["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	return &storage.Grant{
		AppID:     data["app_id"],
		RequestID: data["request_id"],
		GrantedAt: grantedAt,
		ExpiresAt: expiresAt,
	}, nil
}
