package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetryInterval is how often failed usage writes are retried
	DefaultRetryInterval = 15 * time.Second
)

// Reducer applies gradual reduction after a session closes
type Reducer interface {
	ReduceIfDue(ctx context.Context, appID string, now time.Time) (*policy.Reduction, error)
}

// Config holds tracker configuration
type Config struct {
	// Location defines calendar days for usage records
	Location      *time.Location
	RetryInterval time.Duration
}

// Tracker owns open sessions and is the only writer of usage records.
// Writes that fail are kept in memory, counted in snapshots and retried;
// they are never dropped.
type Tracker struct {
	usageStore    storage.UsageStore
	reducer       Reducer
	location      *time.Location
	retryInterval time.Duration
	clock         policy.Clock
	logger        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session   // key: appID
	lastEnd  map[string]time.Time // key: appID
	pending  []pendingWrite
}

// NewTracker creates a new session tracker. reducer may be nil.
func NewTracker(usageStore storage.UsageStore, reducer Reducer, config Config, logger zerolog.Logger) *Tracker {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultRetryInterval
	}

	return &Tracker{
		usageStore:    usageStore,
		reducer:       reducer,
		location:      config.Location,
		retryInterval: config.RetryInterval,
		clock:         policy.RealClock{},
		logger:        logger.With().Str("component", "session-tracker").Logger(),
		sessions:      make(map[string]*Session),
		lastEnd:       make(map[string]time.Time),
	}
}

// SetClock sets the clock (for testing)
func (t *Tracker) SetClock(clock policy.Clock) {
	t.clock = clock
}

// Location returns the timezone that defines calendar days
func (t *Tracker) Location() *time.Location {
	return t.location
}

// Date returns the usage record date for instant at
func (t *Tracker) Date(at time.Time) string {
	return at.In(t.location).Format(storage.DateLayout)
}

// StartSession opens a session for appID and counts a launch. It is a
// no-op returning false when a session is already open.
func (t *Tracker) StartSession(ctx context.Context, appID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.sessions[appID]; open {
		return false
	}

	now := t.clock.Now()
	session := &Session{
		ID:           uuid.NewString(),
		AppID:        appID,
		StartedAt:    now,
		SegmentStart: now,
	}
	t.sessions[appID] = session

	t.write(ctx, pendingWrite{kind: writeLaunch, date: t.Date(now), appID: appID})

	t.logger.Info().
		Str("session_id", session.ID).
		Str("app_id", appID).
		Msg("Started session")

	return true
}

// EndSession closes the open session for appID and records it. It is a
// no-op returning nil when no session is open.
func (t *Tracker) EndSession(ctx context.Context, appID string) []storage.SessionEntry {
	t.mu.Lock()
	session, open := t.sessions[appID]
	if !open {
		t.mu.Unlock()
		return nil
	}
	delete(t.sessions, appID)

	now := t.clock.Now()
	segments := splitByDay(session.SegmentStart, now, t.location)
	entries := make([]storage.SessionEntry, 0, len(segments))
	var seconds int64
	for _, seg := range segments {
		t.write(ctx, pendingWrite{kind: writeSession, date: seg.date, appID: appID, entry: seg.entry})
		entries = append(entries, seg.entry)
		seconds += seg.entry.DurationSeconds
	}
	t.lastEnd[appID] = now
	t.mu.Unlock()

	metrics.SessionsClosed.Inc()
	metrics.UsageSecondsConsumed.WithLabelValues(appID).Add(float64(seconds))

	t.logger.Info().
		Str("session_id", session.ID).
		Str("app_id", appID).
		Int64("seconds", seconds).
		Msg("Closed session")

	if t.reducer != nil {
		if _, err := t.reducer.ReduceIfDue(ctx, appID, now); err != nil {
			t.logger.Warn().Err(err).Str("app_id", appID).Msg("Gradual reduction check failed")
		}
	}

	return entries
}

// RecordViolation counts a denied launch attempt for appID today
func (t *Tracker) RecordViolation(ctx context.Context, appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.write(ctx, pendingWrite{kind: writeViolation, date: t.Date(t.clock.Now()), appID: appID})
	metrics.ViolationsTotal.WithLabelValues(appID).Inc()
}

// IsOpen reports whether appID has an open session
func (t *Tracker) IsOpen(appID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, open := t.sessions[appID]
	return open
}

// OpenSessions returns the apps with an open session
func (t *Tracker) OpenSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	apps := make([]string, 0, len(t.sessions))
	for appID := range t.sessions {
		apps = append(apps, appID)
	}
	return apps
}

// Snapshot returns the evaluator's view of appID's usage on now's day.
// LastSessionEnd is not bounded by the day: a session closed before
// midnight still counts for cooldown. On a storage read error the
// in-memory part is still returned together with the error.
func (t *Tracker) Snapshot(ctx context.Context, appID string, now time.Time) (policy.Usage, error) {
	date := t.Date(now)

	// Held across the read so a concurrent retry cannot move a pending
	// write into storage between the two halves of the snapshot.
	t.mu.Lock()
	defer t.mu.Unlock()

	var usage policy.Usage
	var readErr error

	record, err := t.usageStore.GetDailyUsage(ctx, date, appID)
	switch {
	case err == nil:
		usage.TotalToday = time.Duration(record.TotalSeconds) * time.Second
		usage.Launches = record.Launches
		usage.Violations = record.Violations
		for _, s := range record.Sessions {
			if s.End.After(usage.LastSessionEnd) {
				usage.LastSessionEnd = s.End
			}
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		readErr = fmt.Errorf("failed to read usage for %s: %w", appID, err)
	}

	for _, p := range t.pending {
		if p.appID != appID {
			continue
		}
		if p.date != date {
			if p.kind == writeSession && p.entry.End.After(usage.LastSessionEnd) {
				usage.LastSessionEnd = p.entry.End
			}
			continue
		}
		switch p.kind {
		case writeSession:
			usage.TotalToday += time.Duration(p.entry.DurationSeconds) * time.Second
			if p.entry.End.After(usage.LastSessionEnd) {
				usage.LastSessionEnd = p.entry.End
			}
		case writeLaunch:
			usage.Launches++
		case writeViolation:
			usage.Violations++
		}
	}

	if end, ok := t.lastEnd[appID]; ok && end.After(usage.LastSessionEnd) {
		usage.LastSessionEnd = end
	}
	if usage.LastSessionEnd.IsZero() && readErr == nil {
		// Nothing closed today and nothing seen since start: the previous
		// day's last session may still be inside a cooldown.
		end, err := t.previousDayEnd(ctx, appID, now)
		if err != nil {
			readErr = err
		}
		usage.LastSessionEnd = end
	}

	if session, open := t.sessions[appID]; open {
		usage.SessionOpen = true
		usage.SessionStarted = session.StartedAt
		usage.TodayStarted = session.SegmentStart

		local := now.In(t.location)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.location)
		if usage.TodayStarted.Before(midnight) {
			usage.TodayStarted = midnight
		}
	}

	return usage, readErr
}

// previousDayEnd returns the end of the last session recorded on the day
// before now (must be called with lock held).
func (t *Tracker) previousDayEnd(ctx context.Context, appID string, now time.Time) (time.Time, error) {
	local := now.In(t.location)
	yesterday := time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, t.location)

	var last time.Time
	record, err := t.usageStore.GetDailyUsage(ctx, t.Date(yesterday), appID)
	switch {
	case err == nil:
		for _, s := range record.Sessions {
			if s.End.After(last) {
				last = s.End
			}
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return time.Time{}, fmt.Errorf("failed to read previous day usage for %s: %w", appID, err)
	}
	if !last.IsZero() {
		t.lastEnd[appID] = last
	}
	return last, nil
}

// PendingWrites returns the number of writes waiting to be retried
func (t *Tracker) PendingWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Rollover books the part of every open session that precedes the local
// midnight before now, so each calendar day gets its own record.
func (t *Tracker) Rollover(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	local := now.In(t.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.location)

	rolled := 0
	for appID, session := range t.sessions {
		if !session.SegmentStart.Before(midnight) {
			continue
		}
		for _, seg := range splitByDay(session.SegmentStart, midnight, t.location) {
			t.write(ctx, pendingWrite{kind: writeSession, date: seg.date, appID: appID, entry: seg.entry})
		}
		session.SegmentStart = midnight
		rolled++

		t.logger.Debug().
			Str("session_id", session.ID).
			Str("app_id", appID).
			Time("midnight", midnight).
			Msg("Session split at midnight")
	}

	return rolled
}

// RetryPending writes queued records in order, stopping at the first
// failure.
func (t *Tracker) RetryPending(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.pending) > 0 {
		if err := t.persist(ctx, t.pending[0]); err != nil {
			metrics.PendingPersistence.Set(float64(len(t.pending)))
			return err
		}
		t.pending = t.pending[1:]
	}
	metrics.PendingPersistence.Set(0)
	return nil
}

// Run retries pending writes every retry interval until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.PendingWrites() == 0 {
				continue
			}
			if err := t.RetryPending(ctx); err != nil {
				t.logger.Warn().Err(err).Int("pending", t.PendingWrites()).Msg("Usage write retry failed")
			} else {
				t.logger.Info().Msg("Pending usage writes flushed")
			}
		}
	}
}

// write persists w or queues it (must be called with lock held). Writes
// queue behind earlier failures so records keep their order.
func (t *Tracker) write(ctx context.Context, w pendingWrite) {
	if len(t.pending) == 0 {
		err := t.persist(ctx, w)
		if err == nil {
			return
		}
		t.logger.Error().Err(err).
			Str("app_id", w.appID).
			Str("kind", w.kind.String()).
			Msg("Failed to persist usage, will retry")
	}

	t.pending = append(t.pending, w)
	metrics.PendingPersistence.Set(float64(len(t.pending)))
}

func (t *Tracker) persist(ctx context.Context, w pendingWrite) error {
	switch w.kind {
	case writeSession:
		return t.usageStore.AppendSession(ctx, w.date, w.appID, w.entry)
	case writeLaunch:
		return t.usageStore.IncrementLaunches(ctx, w.date, w.appID)
	case writeViolation:
		return t.usageStore.IncrementViolations(ctx, w.date, w.appID)
	default:
		return fmt.Errorf("unknown usage write kind %d", w.kind)
	}
}
