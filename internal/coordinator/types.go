package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
)

// EventKind is a foreground transition reported by the device observer
type EventKind string

const (
	EventOpened EventKind = "opened"
	EventClosed EventKind = "closed"
)

// UnmarshalJSON implements json.Unmarshaler to normalize kind to lowercase.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := EventKind(strings.ToLower(s))
	switch normalized {
	case EventOpened, EventClosed:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid event kind: %s (must be opened or closed)", s)
	}
}

// Event is a foreground-app transition
type Event struct {
	AppID     string    `json:"app_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// AccessDenied is emitted once per denial for the approval workflow
type AccessDenied struct {
	AppID     string
	Reason    string
	Timestamp time.Time
}

// Observer is the platform side of the foreground-app contract
type Observer interface {
	// ForceNavigateHome moves the device away from appID.
	ForceNavigateHome(ctx context.Context, appID string) error
}

// Restorer is implemented by observers that can tell the device a
// previously denied app may be opened again.
type Restorer interface {
	AccessRestored(ctx context.Context, appID string) error
}

// Restrictions supplies restrictions and grants for evaluation
type Restrictions interface {
	Get(ctx context.Context, appID string) (*policy.Restriction, error)
	ActiveGrant(appID string, now time.Time) *storage.Grant
}

// SessionTracker records sessions, launches and violations
type SessionTracker interface {
	StartSession(ctx context.Context, appID string) bool
	EndSession(ctx context.Context, appID string) []storage.SessionEntry
	RecordViolation(ctx context.Context, appID string)
	Snapshot(ctx context.Context, appID string, now time.Time) (policy.Usage, error)
}

// CrisisFlag is the process-wide crisis override
type CrisisFlag interface {
	Active(now time.Time) bool
	Enable(ctx context.Context, d time.Duration, source string) crisis.Activation
}
