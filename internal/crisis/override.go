// Package crisis holds the process-wide crisis override. While it is in
// force every app is allowed, whatever its restriction.
package crisis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultDuration applies when an activation names no duration
	DefaultDuration = 30 * time.Minute

	// MaxDuration caps a single activation
	MaxDuration = 24 * time.Hour
)

// Config bounds activation durations
type Config struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
}

// State is one activation window
type State struct {
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

// Activation is the result of Enable
type Activation struct {
	State
	// Recorded is false when an existing window already covered the
	// requested expiry and the request was absorbed.
	Recorded bool
}

// Override is the crisis flag. Reads are lock-free; activations use a
// compare-and-set loop so concurrent callers produce one consistent expiry
// and one audit entry per effective activation.
type Override struct {
	current atomic.Pointer[State]

	audit  storage.CrisisAuditStore
	cfg    Config
	clock  policy.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending []storage.CrisisAuditEntry
}

// New creates an inactive override
func New(audit storage.CrisisAuditStore, cfg Config, logger zerolog.Logger) *Override {
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = MaxDuration
	}

	return &Override{
		audit:  audit,
		cfg:    cfg,
		clock:  policy.RealClock{},
		logger: logger.With().Str("component", "crisis").Logger(),
	}
}

// SetClock sets the clock (for testing)
func (o *Override) SetClock(clock policy.Clock) {
	o.clock = clock
}

// Enable activates the override for d, or the default duration when d is
// not positive. It never fails: audit write errors are queued and retried.
func (o *Override) Enable(ctx context.Context, d time.Duration, source string) Activation {
	if d <= 0 {
		d = o.cfg.DefaultDuration
	}
	if d > o.cfg.MaxDuration {
		d = o.cfg.MaxDuration
	}

	now := o.clock.Now()
	next := &State{ActivatedAt: now, ExpiresAt: now.Add(d)}

	for {
		cur := o.current.Load()
		if cur != nil && now.Before(cur.ExpiresAt) && !cur.ExpiresAt.Before(next.ExpiresAt) {
			o.logger.Debug().Time("expires_at", cur.ExpiresAt).Msg("Crisis override already covers request")
			return Activation{State: *cur}
		}
		if o.current.CompareAndSwap(cur, next) {
			break
		}
	}

	metrics.CrisisActivations.Inc()
	metrics.CrisisActive.Set(1)

	entry := storage.CrisisAuditEntry{
		ID:          uuid.NewString(),
		ActivatedAt: next.ActivatedAt,
		ExpiresAt:   next.ExpiresAt,
		Minutes:     int(d / time.Minute),
		Source:      source,
	}
	o.logger.Warn().
		Str("source", source).
		Time("expires_at", next.ExpiresAt).
		Int("minutes", entry.Minutes).
		Msg("Crisis override enabled")

	if err := o.audit.Append(ctx, entry); err != nil {
		o.logger.Error().Err(err).Str("id", entry.ID).Msg("Failed to write crisis audit entry, will retry")
		o.mu.Lock()
		o.pending = append(o.pending, entry)
		o.mu.Unlock()
	}

	return Activation{State: *next, Recorded: true}
}

// Active reports whether the override is in force at now
func (o *Override) Active(now time.Time) bool {
	cur := o.current.Load()
	active := cur != nil && now.Before(cur.ExpiresAt)
	if !active && cur != nil {
		metrics.CrisisActive.Set(0)
	}
	return active
}

// IsActive reports whether the override is in force now
func (o *Override) IsActive() bool {
	return o.Active(o.clock.Now())
}

// Current returns the latest activation window, active or not
func (o *Override) Current() (State, bool) {
	cur := o.current.Load()
	if cur == nil {
		return State{}, false
	}
	return *cur, true
}

// PendingAudit returns the number of audit entries waiting to be written
func (o *Override) PendingAudit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// FlushAudit retries queued audit entries in activation order
func (o *Override) FlushAudit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.pending) > 0 {
		if err := o.audit.Append(ctx, o.pending[0]); err != nil {
			return err
		}
		o.logger.Info().Str("id", o.pending[0].ID).Msg("Crisis audit entry written after retry")
		o.pending = o.pending[1:]
	}
	return nil
}

// Run retries queued audit entries every interval until ctx is done
func (o *Override) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.PendingAudit() == 0 {
				continue
			}
			if err := o.FlushAudit(ctx); err != nil {
				o.logger.Warn().Err(err).Int("pending", o.PendingAudit()).Msg("Crisis audit retry failed")
			}
		}
	}
}
