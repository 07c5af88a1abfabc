// Package coordinator turns device observer events into policy decisions
// and applies them.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often foreground apps are re-evaluated
	DefaultPollInterval = time.Minute
)

// Config holds coordinator configuration
type Config struct {
	PollInterval time.Duration
	Location     *time.Location
}

// Coordinator serializes work per app: the observer event path and the
// poll path take the same per-app lock.
type Coordinator struct {
	restrictions Restrictions
	tracker      SessionTracker
	crisis       CrisisFlag
	observer     Observer
	denied       chan<- AccessDenied

	pollInterval time.Duration
	location     *time.Location
	clock        policy.Clock
	logger       zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stateMu    sync.Mutex
	foreground map[string]time.Time // appID -> when it became foreground
	lastDenied string               // cleared when any app is allowed
}

// New creates a coordinator. denied receives one AccessDenied per denial;
// sends never block, so the channel should be buffered.
func New(restrictions Restrictions, tracker SessionTracker, crisisFlag CrisisFlag, observer Observer, denied chan<- AccessDenied, config Config, logger zerolog.Logger) *Coordinator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &Coordinator{
		restrictions: restrictions,
		tracker:      tracker,
		crisis:       crisisFlag,
		observer:     observer,
		denied:       denied,
		pollInterval: config.PollInterval,
		location:     config.Location,
		clock:        policy.RealClock{},
		logger:       logger.With().Str("component", "coordinator").Logger(),
		locks:        make(map[string]*sync.Mutex),
		foreground:   make(map[string]time.Time),
	}
}

// SetClock sets the clock (for testing)
func (c *Coordinator) SetClock(clock policy.Clock) {
	c.clock = clock
}

// HandleEvent applies an observer event and returns the decision taken
// for an opened event.
func (c *Coordinator) HandleEvent(ctx context.Context, ev Event) (policy.Decision, error) {
	if ev.AppID == "" {
		return policy.Decision{}, fmt.Errorf("event app_id is required")
	}

	switch ev.Kind {
	case EventOpened:
		c.backgroundOthers(ctx, ev.AppID)
		return c.open(ctx, ev), nil
	case EventClosed:
		c.close(ctx, ev.AppID)
		return policy.Decision{}, nil
	default:
		return policy.Decision{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (c *Coordinator) open(ctx context.Context, ev Event) policy.Decision {
	lock := c.lockFor(ev.AppID)
	lock.Lock()
	defer lock.Unlock()

	now := c.clock.Now()
	decision := c.evaluate(ctx, ev.AppID, now)

	if !decision.Allowed() {
		c.deny(ctx, ev.AppID, decision, eventTime(ev, now))
		return decision
	}

	started := c.tracker.StartSession(ctx, ev.AppID)
	c.setForeground(ev.AppID, now)
	c.setLastDenied("")

	c.logger.Debug().
		Str("app_id", ev.AppID).
		Str("source", string(decision.Source)).
		Bool("session_started", started).
		Msg("App allowed")

	return decision
}

func (c *Coordinator) close(ctx context.Context, appID string) {
	lock := c.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	c.tracker.EndSession(ctx, appID)
	c.setBackground(appID)
}

// backgroundOthers ends the sessions of every other foreground app; only
// one app is in the foreground at a time.
func (c *Coordinator) backgroundOthers(ctx context.Context, appID string) {
	for _, other := range c.ForegroundApps() {
		if other == appID {
			continue
		}
		c.logger.Debug().Str("app_id", other).Str("switched_to", appID).Msg("App moved to background")
		c.close(ctx, other)
	}
}

// deny applies a Deny decision (must be called with the app lock held)
func (c *Coordinator) deny(ctx context.Context, appID string, decision policy.Decision, at time.Time) {
	if c.observer != nil {
		if err := c.observer.ForceNavigateHome(ctx, appID); err != nil {
			c.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to navigate home")
		}
	}

	c.tracker.EndSession(ctx, appID)
	c.tracker.RecordViolation(ctx, appID)
	c.setBackground(appID)
	c.setLastDenied(appID)

	c.logger.Info().
		Str("app_id", appID).
		Str("reason", decision.Reason).
		Msg("App denied")

	select {
	case c.denied <- AccessDenied{AppID: appID, Reason: decision.Reason, Timestamp: at}:
	default:
		metrics.ApprovalRequests.WithLabelValues("dropped").Inc()
		c.logger.Warn().Str("app_id", appID).Msg("Approval queue full, denial not forwarded")
	}
}

// evaluate gathers facts for appID and runs the evaluator. Read failures
// are logged and evaluation continues with what is known.
func (c *Coordinator) evaluate(ctx context.Context, appID string, now time.Time) policy.Decision {
	startTime := time.Now()
	local := now.In(c.location)

	restriction, err := c.restrictions.Get(ctx, appID)
	if err != nil {
		c.logger.Error().Err(err).Str("app_id", appID).Msg("Restriction lookup failed, evaluating without it")
	}

	usage, err := c.tracker.Snapshot(ctx, appID, local)
	if err != nil {
		c.logger.Warn().Err(err).Str("app_id", appID).Msg("Usage snapshot incomplete")
	}

	grant := c.restrictions.ActiveGrant(appID, now)
	crisisActive := c.crisis.Active(now)

	decision := policy.Evaluate(appID, local, restriction, usage, grant, crisisActive)

	metrics.EvaluationDuration.Observe(time.Since(startTime).Seconds())
	metrics.DecisionsTotal.WithLabelValues(string(decision.Action), string(decision.Source)).Inc()
	for _, w := range decision.Warnings {
		metrics.PolicyWarnings.Inc()
		c.logger.Warn().Str("app_id", appID).Str("warning", w).Msg("Restriction misconfigured, check skipped")
	}

	return decision
}

// Check evaluates appID at the current time without changing any state
func (c *Coordinator) Check(ctx context.Context, appID string) policy.Decision {
	return c.evaluate(ctx, appID, c.clock.Now())
}

// Reevaluate re-checks every foreground app and denies those no longer
// allowed. It returns the number of apps denied.
func (c *Coordinator) Reevaluate(ctx context.Context) int {
	denied := 0
	for _, appID := range c.ForegroundApps() {
		if c.reevaluateApp(ctx, appID) {
			denied++
		}
	}
	return denied
}

func (c *Coordinator) reevaluateApp(ctx context.Context, appID string) bool {
	lock := c.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	// The app may have closed while we waited for the lock
	if !c.isForeground(appID) {
		return false
	}

	now := c.clock.Now()
	decision := c.evaluate(ctx, appID, now)
	if decision.Allowed() {
		return false
	}

	c.deny(ctx, appID, decision, now)
	return true
}

// Run re-evaluates foreground apps every poll interval until ctx is done
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("poll_interval", c.pollInterval).Msg("Foreground re-evaluation started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Reevaluate(ctx); n > 0 {
				c.logger.Info().Int("denied", n).Msg("Foreground apps denied on re-evaluation")
			}
		}
	}
}

// EnableCrisisOverride activates the crisis override and immediately
// re-evaluates foreground apps. The app denied most recently, if the user
// has not opened anything since, is reported to the observer as
// reopenable. It cannot fail.
func (c *Coordinator) EnableCrisisOverride(ctx context.Context, d time.Duration, source string) crisis.Activation {
	act := c.crisis.Enable(ctx, d, source)
	c.Reevaluate(ctx)
	c.restoreLastDenied(ctx)
	return act
}

func (c *Coordinator) restoreLastDenied(ctx context.Context) {
	c.stateMu.Lock()
	appID := c.lastDenied
	c.stateMu.Unlock()
	if appID == "" {
		return
	}

	lock := c.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	if !c.evaluate(ctx, appID, c.clock.Now()).Allowed() {
		return
	}
	c.stateMu.Lock()
	if c.lastDenied == appID {
		c.lastDenied = ""
	}
	c.stateMu.Unlock()

	restorer, ok := c.observer.(Restorer)
	if !ok {
		return
	}
	if err := restorer.AccessRestored(ctx, appID); err != nil {
		c.logger.Warn().Err(err).Str("app_id", appID).Msg("Failed to report restored access")
		return
	}
	c.logger.Info().Str("app_id", appID).Msg("Denied app may be reopened")
}

// LastDenied returns the most recently denied app that has not been
// followed by an allowed open, or "".
func (c *Coordinator) LastDenied() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastDenied
}

func (c *Coordinator) setLastDenied(appID string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.lastDenied = appID
}

// ForegroundApps returns the apps currently in the foreground, sorted
func (c *Coordinator) ForegroundApps() []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	apps := make([]string, 0, len(c.foreground))
	for appID := range c.foreground {
		apps = append(apps, appID)
	}
	sort.Strings(apps)
	return apps
}

func (c *Coordinator) isForeground(appID string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	_, ok := c.foreground[appID]
	return ok
}

func (c *Coordinator) setForeground(appID string, at time.Time) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, ok := c.foreground[appID]; !ok {
		c.foreground[appID] = at
	}
	metrics.ForegroundApps.Set(float64(len(c.foreground)))
}

func (c *Coordinator) setBackground(appID string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delete(c.foreground, appID)
	metrics.ForegroundApps.Set(float64(len(c.foreground)))
}

func (c *Coordinator) lockFor(appID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()

	lock, ok := c.locks[appID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[appID] = lock
	}
	return lock
}

func eventTime(ev Event, fallback time.Time) time.Time {
	if ev.Timestamp.IsZero() {
		return fallback
	}
	return ev.Timestamp
}
