// Package approval handles supporter approval of denied apps: request
// creation on denial, supporter decisions, grants and expiry.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotPending is returned when deciding a request that is no longer pending
	ErrNotPending = errors.New("approval: request is not pending")

	// ErrUnknownRequest is returned when no request has the given id
	ErrUnknownRequest = errors.New("approval: unknown request")
)

const (
	// DefaultRequestTimeout is how long a request stays pending
	DefaultRequestTimeout = 24 * time.Hour

	// DefaultGrant is the allow window when an approval gives no duration
	DefaultGrant = 15 * time.Minute
)

// Decision is the supporter's answer to a request
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// UnmarshalJSON implements json.Unmarshaler to accept approve/approved and deny/denied.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDecision normalizes a decision string
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return Approve, nil
	case "deny", "denied":
		return Deny, nil
	default:
		return "", fmt.Errorf("invalid decision: %s (must be approve or deny)", s)
	}
}

// GrantInstaller makes an approval grant effective
type GrantInstaller interface {
	InstallGrant(ctx context.Context, grant storage.Grant) error
}

// Config holds workflow configuration
type Config struct {
	RequestTimeout     time.Duration
	DefaultGrant       time.Duration
	SweepInterval      time.Duration
	OutboxPollInterval time.Duration
}

// Workflow owns the approval request lifecycle
type Workflow struct {
	approvals storage.ApprovalStore
	outbox    storage.OutboxStore
	grants    GrantInstaller
	notifier  notify.Notifier
	cfg       Config
	clock     policy.Clock
	logger    zerolog.Logger
}

// NewWorkflow creates a workflow. notifier delivers both supporter
// notifications (through the outbox) and client notices.
func NewWorkflow(approvals storage.ApprovalStore, outbox storage.OutboxStore, grants GrantInstaller, notifier notify.Notifier, cfg Config, logger zerolog.Logger) *Workflow {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultGrant <= 0 {
		cfg.DefaultGrant = DefaultGrant
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.OutboxPollInterval <= 0 {
		cfg.OutboxPollInterval = 2 * time.Second
	}

	return &Workflow{
		approvals: approvals,
		outbox:    outbox,
		grants:    grants,
		notifier:  notifier,
		cfg:       cfg,
		clock:     policy.RealClock{},
		logger:    logger.With().Str("component", "approval").Logger(),
	}
}

// SetClock sets the clock (for testing)
func (w *Workflow) SetClock(clock policy.Clock) {
	w.clock = clock
}

// Consume handles denial events until ctx is done or events is closed
func (w *Workflow) Consume(ctx context.Context, events <-chan coordinator.AccessDenied) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, _, err := w.HandleDenied(ctx, ev); err != nil {
				w.logger.Error().Err(err).Str("app_id", ev.AppID).Msg("Failed to raise approval request")
			}
		}
	}
}

// HandleDenied creates a pending request for the denied app unless one is
// already pending, and queues the supporter notification. The returned
// bool reports whether a new request was created.
func (w *Workflow) HandleDenied(ctx context.Context, ev coordinator.AccessDenied) (*storage.ApprovalRequest, bool, error) {
	existing, err := w.approvals.PendingForApp(ctx, ev.AppID)
	if err == nil {
		w.logger.Debug().Str("app_id", ev.AppID).Str("request_id", existing.ID).Msg("Request already pending")
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check pending requests: %w", err)
	}

	requestedAt := ev.Timestamp
	if requestedAt.IsZero() {
		requestedAt = w.clock.Now()
	}

	req := storage.ApprovalRequest{
		ID:          uuid.NewString(),
		AppID:       ev.AppID,
		Reason:      ev.Reason,
		RequestedAt: requestedAt,
		Status:      storage.ApprovalPending,
	}

	if err := w.approvals.Create(ctx, req); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with another denial for the same app
			existing, getErr := w.approvals.PendingForApp(ctx, ev.AppID)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create approval request: %w", err)
	}
	metrics.ApprovalRequests.WithLabelValues(string(storage.ApprovalPending)).Inc()

	now := w.clock.Now()
	notification := storage.OutboxRecord{
		ID:            uuid.NewString(),
		Kind:          "approval_request",
		RequestID:     req.ID,
		AppID:         req.AppID,
		Title:         "Access request",
		Body:          fmt.Sprintf("%s was blocked (%s). Approve temporary access?", req.AppID, req.Reason),
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := w.outbox.Enqueue(ctx, notification); err != nil {
		// The request exists; the supporter still sees it in the pending list.
		w.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to queue supporter notification")
	}

	w.logger.Info().
		Str("request_id", req.ID).
		Str("app_id", req.AppID).
		Str("reason", req.Reason).
		Msg("Approval request created")

	return &req, true, nil
}

// Decide resolves a pending request. Approving installs a grant for
// grantMinutes, or the default grant when grantMinutes is not positive.
func (w *Workflow) Decide(ctx context.Context, requestID string, decision Decision, grantMinutes int) (*storage.ApprovalRequest, error) {
	req, err := w.approvals.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if req.Status != storage.ApprovalPending {
		return req, ErrNotPending
	}

	now := w.clock.Now()
	if w.expired(req, now) {
		if err := w.resolve(ctx, req, storage.ApprovalExpired, now, nil); err != nil && !errors.Is(err, ErrNotPending) {
			return nil, err
		}
		return req, ErrNotPending
	}

	switch decision {
	case Approve:
		grant := w.cfg.DefaultGrant
		if grantMinutes > 0 {
			grant = time.Duration(grantMinutes) * time.Minute
		}
		until := now.Add(grant)

		if err := w.resolve(ctx, req, storage.ApprovalApproved, now, &until); err != nil {
			return nil, err
		}
		if err := w.grants.InstallGrant(ctx, storage.Grant{
			AppID:     req.AppID,
			RequestID: req.ID,
			GrantedAt: now,
			ExpiresAt: until,
		}); err != nil {
			w.logger.Error().Err(err).Str("request_id", req.ID).Msg("Grant not persisted")
		}

		w.notifyClient(ctx, req.AppID, "approval_granted", "Access approved",
			fmt.Sprintf("%s is allowed for %d minutes", req.AppID, int(grant/time.Minute)), now)

	case Deny:
		if err := w.resolve(ctx, req, storage.ApprovalDenied, now, nil); err != nil {
			return nil, err
		}
		w.notifyClient(ctx, req.AppID, "approval_denied", "Access not approved",
			fmt.Sprintf("Your supporter did not approve %s this time", req.AppID), now)

	default:
		return nil, fmt.Errorf("invalid decision: %q", decision)
	}

	w.logger.Info().
		Str("request_id", req.ID).
		Str("app_id", req.AppID).
		Str("status", string(req.Status)).
		Msg("Approval request decided")

	return req, nil
}

// ExpireStale moves pending requests older than the request timeout to
// expired and returns how many were expired.
func (w *Workflow) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	pending, err := w.approvals.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}

	expired := 0
	for i := range pending {
		req := &pending[i]
		if !w.expired(req, now) {
			continue
		}
		if err := w.resolve(ctx, req, storage.ApprovalExpired, now, nil); err != nil {
			if errors.Is(err, ErrNotPending) {
				continue
			}
			return expired, err
		}
		expired++
		w.logger.Info().Str("request_id", req.ID).Str("app_id", req.AppID).Msg("Approval request expired")
	}

	return expired, nil
}

// ListPending returns the pending requests, oldest first
func (w *Workflow) ListPending(ctx context.Context) ([]storage.ApprovalRequest, error) {
	return w.approvals.ListPending(ctx)
}

// RunSweeper expires stale requests every sweep interval until ctx is done
func (w *Workflow) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ExpireStale(ctx, w.clock.Now()); err != nil {
				w.logger.Warn().Err(err).Msg("Approval sweep failed")
			}
		}
	}
}

func (w *Workflow) expired(req *storage.ApprovalRequest, now time.Time) bool {
	return !now.Before(req.RequestedAt.Add(w.cfg.RequestTimeout))
}

// resolve moves req to status and updates req in place. A lost
// compare-and-set maps to ErrNotPending.
func (w *Workflow) resolve(ctx context.Context, req *storage.ApprovalRequest, status storage.ApprovalStatus, at time.Time, grantedUntil *time.Time) error {
	err := w.approvals.Resolve(ctx, req.ID, status, at, grantedUntil)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrNotPending
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownRequest, req.ID)
	case err != nil:
		return fmt.Errorf("failed to resolve request %s: %w", req.ID, err)
	}

	req.Status = status
	req.ResolvedAt = &at
	req.GrantedUntil = grantedUntil
	metrics.ApprovalRequests.WithLabelValues(string(status)).Inc()
	return nil
}

func (w *Workflow) notifyClient(ctx context.Context, appID, kind, title, body string, at time.Time) {
	if w.notifier == nil {
		return
	}
	err := w.notifier.Notify(ctx, notify.Notice{
		Audience: notify.AudienceClient,
		Kind:     kind,
		AppID:    appID,
		Title:    title,
		Body:     body,
		At:       at,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("app_id", appID).Msg("Failed to deliver client notice")
	}
}
