package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict is returned when a conditional update loses its precondition.
	ErrConflict = errors.New("storage: conditional update failed")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Restrictions() RestrictionStore
	Usage() UsageStore
	Approvals() ApprovalStore
	Grants() GrantStore
	CrisisAudit() CrisisAuditStore
	Outbox() OutboxStore
}

// RestrictionStore holds at most one restriction record per app.
type RestrictionStore interface {
	Get(ctx context.Context, appID string) (*RestrictionRecord, error)
	List(ctx context.Context) ([]RestrictionRecord, error)
	Upsert(ctx context.Context, record RestrictionRecord) error
	// Replace writes record only while the stored one is unchanged since
	// expected was read.
	Replace(ctx context.Context, expected, record RestrictionRecord) (bool, error)
	Delete(ctx context.Context, appID string) error
}

// UsageStore manages per-app, per-day usage records. Writes are
// increments and appends only; nothing here overwrites a record.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, date, appID string) (*UsageRecord, error)
	ListDailyUsage(ctx context.Context, date string) ([]UsageRecord, error)
	AppendSession(ctx context.Context, date, appID string, entry SessionEntry) error
	IncrementLaunches(ctx context.Context, date, appID string) error
	IncrementViolations(ctx context.Context, date, appID string) error
}

// ApprovalStore manages supporter approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	PendingForApp(ctx context.Context, appID string) (*ApprovalRequest, error)
	ListPending(ctx context.Context) ([]ApprovalRequest, error)
	// Resolve moves a pending request to a terminal status. It returns
	// ErrConflict when the request is no longer pending.
	Resolve(ctx context.Context, id string, status ApprovalStatus, resolvedAt time.Time, grantedUntil *time.Time) error
}

// GrantStore persists temporary allow windows created by approvals.
type GrantStore interface {
	Put(ctx context.Context, grant Grant) error
	Get(ctx context.Context, appID string) (*Grant, error)
	List(ctx context.Context) ([]Grant, error)
}

// CrisisAuditStore is append-only.
type CrisisAuditStore interface {
	Append(ctx context.Context, entry CrisisAuditEntry) error
	List(ctx context.Context) ([]CrisisAuditEntry, error)
}

// OutboxStore queues supporter notifications for asynchronous dispatch.
type OutboxStore interface {
	Enqueue(ctx context.Context, rec OutboxRecord) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastError string) error
}
