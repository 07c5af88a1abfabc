package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

// Action represents the policy decision action
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// UnmarshalJSON implements json.Unmarshaler to normalize action to uppercase.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Action(strings.ToUpper(s))

	switch normalized {
	case ActionAllow, ActionDeny:
		*a = normalized
		return nil
	default:
		return fmt.Errorf("invalid action: %s (must be ALLOW or DENY)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// Source identifies which rule produced a decision
type Source string

const (
	SourceCrisis      Source = "crisis"
	SourceGrant       Source = "grant"
	SourceRestriction Source = "restriction"
	SourceDefault     Source = "default"
)

// Decision is the outcome of evaluating an app launch or a running session
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Source Source `json:"source"`

	// Remaining is the time left under a daily limit; zero when none applies.
	Remaining time.Duration `json:"remaining,omitempty"`

	// GrantRemaining is the time left on an approval grant.
	GrantRemaining time.Duration `json:"grant_remaining,omitempty"`

	// Warnings lists misconfigured checks that were skipped.
	Warnings []string `json:"warnings,omitempty"`
}

// Allowed reports whether the decision lets the app run
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// RestrictionType names a restriction variant
type RestrictionType string

const (
	TypeBlocked   RestrictionType = "blocked"
	TypeTimed     RestrictionType = "timed"
	TypeScheduled RestrictionType = "scheduled"
	TypeLimited   RestrictionType = "limited"
)

// Settings is implemented by each restriction variant.
type Settings interface {
	Type() RestrictionType
}

// BlockedSettings always denies.
type BlockedSettings struct{}

// TimedSettings bounds daily and per-session usage. Zero disables a check.
type TimedSettings struct {
	DailyLimitMinutes   int
	SessionLimitMinutes int
	CooldownMinutes     int
}

// ScheduledSettings restricts usage to time-of-day windows and weekdays.
type ScheduledSettings struct {
	AllowedHours []Window
	BlockedDays  []time.Weekday
}

// LimitedSettings caps launches per day.
type LimitedSettings struct {
	LaunchLimit int
}

func (BlockedSettings) Type() RestrictionType   { return TypeBlocked }
func (TimedSettings) Type() RestrictionType     { return TypeTimed }
func (ScheduledSettings) Type() RestrictionType { return TypeScheduled }
func (LimitedSettings) Type() RestrictionType   { return TypeLimited }

// Window is a time-of-day range in "HH:MM" form. Start is inclusive, End
// exclusive; Start after End wraps past midnight.
type Window struct {
	Start string
	End   string
}

// bounds returns the window as minutes since midnight.
func (w Window) bounds() (start, end int, err error) {
	if start, err = parseClock(w.Start); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(w.End); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// contains reports whether minute-of-day m falls in the window
func (w Window) contains(m int) (bool, error) {
	start, end, err := w.bounds()
	if err != nil {
		return false, err
	}
	if start == end {
		return false, fmt.Errorf("empty window %s-%s", w.Start, w.End)
	}
	if start < end {
		return m >= start && m < end, nil
	}
	return m >= start || m < end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// GradualReduction lowers a timed daily limit by a fixed step each week
// until it reaches the target.
type GradualReduction struct {
	Enabled          bool
	TargetMinutes    int
	ReductionPerWeek int
	LastReducedAt    time.Time
}

// Restriction is the supporter-configured rule for one app
type Restriction struct {
	AppID            string
	Settings         Settings
	GradualReduction *GradualReduction
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FromRecord converts a stored record into a Restriction. Fields that do
// not belong to the record's type are ignored. An unknown type is an error.
func FromRecord(rec storage.RestrictionRecord) (*Restriction, error) {
	r := &Restriction{
		AppID:     rec.AppID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	switch RestrictionType(strings.ToLower(rec.Type)) {
	case TypeBlocked:
		r.Settings = BlockedSettings{}
	case TypeTimed:
		r.Settings = TimedSettings{
			DailyLimitMinutes:   rec.DailyLimitMinutes,
			SessionLimitMinutes: rec.SessionLimitMinutes,
			CooldownMinutes:     rec.CooldownMinutes,
		}
	case TypeScheduled:
		s := ScheduledSettings{}
		for _, w := range rec.AllowedHours {
			s.AllowedHours = append(s.AllowedHours, Window{Start: w.Start, End: w.End})
		}
		for _, d := range rec.BlockedDays {
			s.BlockedDays = append(s.BlockedDays, time.Weekday(d))
		}
		r.Settings = s
	case TypeLimited:
		r.Settings = LimitedSettings{LaunchLimit: rec.LaunchLimit}
	default:
		return nil, fmt.Errorf("unknown restriction type %q for %s", rec.Type, rec.AppID)
	}

	if g := rec.GradualReduction; g != nil {
		r.GradualReduction = &GradualReduction{
			Enabled:          g.Enabled,
			TargetMinutes:    g.TargetMinutes,
			ReductionPerWeek: g.ReductionPerWeek,
			LastReducedAt:    g.LastReducedAt,
		}
	}

	return r, nil
}

// Record converts the restriction to its stored form
func (r *Restriction) Record() storage.RestrictionRecord {
	rec := storage.RestrictionRecord{
		AppID:     r.AppID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Settings != nil {
		rec.Type = string(r.Settings.Type())
	}

	switch s := r.Settings.(type) {
	case TimedSettings:
		rec.DailyLimitMinutes = s.DailyLimitMinutes
		rec.SessionLimitMinutes = s.SessionLimitMinutes
		rec.CooldownMinutes = s.CooldownMinutes
	case ScheduledSettings:
		for _, w := range s.AllowedHours {
			rec.AllowedHours = append(rec.AllowedHours, storage.HourWindow{Start: w.Start, End: w.End})
		}
		for _, d := range s.BlockedDays {
			rec.BlockedDays = append(rec.BlockedDays, int(d))
		}
	case LimitedSettings:
		rec.LaunchLimit = s.LaunchLimit
	}

	if g := r.GradualReduction; g != nil {
		rec.GradualReduction = &storage.GradualReductionRecord{
			Enabled:          g.Enabled,
			TargetMinutes:    g.TargetMinutes,
			ReductionPerWeek: g.ReductionPerWeek,
			LastReducedAt:    g.LastReducedAt,
		}
	}

	return rec
}

// Usage is the evaluator's view of an app's activity today
type Usage struct {
	// TotalToday is closed-session time today, including sessions whose
	// persistence is still pending.
	TotalToday time.Duration
	Launches   int
	Violations int

	// SessionOpen is set while the app has an open session.
	SessionOpen    bool
	SessionStarted time.Time

	// TodayStarted is where the open session's unrecorded part begins.
	// It differs from SessionStarted once part of the session has been
	// booked to the previous day; zero means SessionStarted.
	TodayStarted time.Time

	// LastSessionEnd is the end of the most recent closed session today.
	LastSessionEnd time.Time
}

// SessionElapsed returns how long the open session has run at now
func (u Usage) SessionElapsed(now time.Time) time.Duration {
	if !u.SessionOpen || now.Before(u.SessionStarted) {
		return 0
	}
	return now.Sub(u.SessionStarted)
}

// TodayElapsed returns the open session's time not yet in TotalToday
func (u Usage) TodayElapsed(now time.Time) time.Duration {
	if !u.SessionOpen {
		return 0
	}
	from := u.TodayStarted
	if from.IsZero() {
		from = u.SessionStarted
	}
	if now.Before(from) {
		return 0
	}
	return now.Sub(from)
}
