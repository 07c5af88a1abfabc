package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RolloverScheduler splits open sessions at each local midnight
type RolloverScheduler struct {
	tracker  *Tracker
	logger   zerolog.Logger
	stopChan chan struct{}
}

// NewRolloverScheduler creates a new rollover scheduler
func NewRolloverScheduler(tracker *Tracker, logger zerolog.Logger) *RolloverScheduler {
	return &RolloverScheduler{
		tracker:  tracker,
		logger:   logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the rollover scheduler
func (rs *RolloverScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("timezone", rs.tracker.Location().String()).
		Msg("Daily session rollover scheduler started")
}

// Stop stops the rollover scheduler
func (rs *RolloverScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily session rollover scheduler stopped")
}

// run is the main scheduler loop
func (rs *RolloverScheduler) run() {
	for {
		next := nextMidnight(time.Now(), rs.tracker.Location())
		waitDuration := time.Until(next)

		rs.logger.Debug().
			Time("next_rollover", next).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next session rollover")

		select {
		case <-time.After(waitDuration):
			rs.performRollover()
		case <-rs.stopChan:
			return
		}
	}
}

// performRollover books the pre-midnight part of open sessions
func (rs *RolloverScheduler) performRollover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rolled := rs.tracker.Rollover(ctx, time.Now())
	rs.logger.Info().
		Int("sessions_split", rolled).
		Int("pending_writes", rs.tracker.PendingWrites()).
		Msg("Daily session rollover complete")
}

// nextMidnight returns the first local midnight strictly after now
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
