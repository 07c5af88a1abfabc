package approval

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/notify"
)

func TestNextAttempt(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 5 * time.Second},
		{attempts: 1, want: 10 * time.Second},
		{attempts: 3, want: 40 * time.Second},
		{attempts: 6, want: 5 * time.Minute},
		{attempts: 40, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := nextAttempt(tt.attempts); got != tt.want {
			t.Errorf("nextAttempt(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestProcessOutboxDueRetriesWithBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.notifier.fail = 1

	if _, _, err := f.workflow.HandleDenied(ctx, coordinator.AccessDenied{AppID: "snap", Reason: "app is blocked", Timestamp: now}); err != nil {
		t.Fatalf("HandleDenied failed: %v", err)
	}

	n, err := f.workflow.ProcessOutboxDue(ctx, now, 10)
	if err != nil || n != 1 {
		t.Fatalf("first dispatch = %d, %v", n, err)
	}
	if len(f.notifier.byAudience(notify.AudienceSupporter)) != 0 {
		t.Fatal("failed send must not be recorded")
	}

	// Not due again until the backoff elapses
	if n, _ := f.workflow.ProcessOutboxDue(ctx, now.Add(4*time.Second), 10); n != 0 {
		t.Errorf("expected nothing due during backoff, got %d", n)
	}

	if n, _ := f.workflow.ProcessOutboxDue(ctx, now.Add(5*time.Second), 10); n != 1 {
		t.Errorf("expected retry after backoff, got %d", n)
	}
	sent := f.notifier.byAudience(notify.AudienceSupporter)
	if len(sent) != 1 || sent[0].AppID != "snap" {
		t.Fatalf("expected one supporter notification, got %+v", sent)
	}

	if n, _ := f.workflow.ProcessOutboxDue(ctx, now.Add(time.Hour), 10); n != 0 {
		t.Errorf("sent notification must not be dispatched again, got %d", n)
	}
}

func TestProcessOutboxSkipsDecidedRequests(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req, _, _ := f.workflow.HandleDenied(ctx, coordinator.AccessDenied{AppID: "snap", Reason: "app is blocked", Timestamp: now})
	if _, err := f.workflow.Decide(ctx, req.ID, Deny, 0); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if n, err := f.workflow.ProcessOutboxDue(ctx, now, 10); err != nil || n != 1 {
		t.Fatalf("dispatch = %d, %v", n, err)
	}
	if len(f.notifier.byAudience(notify.AudienceSupporter)) != 0 {
		t.Error("decided request must not notify the supporter")
	}
}
