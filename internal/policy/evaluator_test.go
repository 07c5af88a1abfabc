package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

// Monday 2 March 2026
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func restriction(s Settings) *Restriction {
	return &Restriction{AppID: "app", Settings: s}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		now           time.Time
		restriction   *Restriction
		usage         Usage
		grant         *storage.Grant
		crisis        bool
		wantAction    Action
		wantReason    string
		wantSource    Source
		wantRemaining time.Duration
	}{
		{
			name:       "no restriction allows",
			now:        monday,
			wantAction: ActionAllow,
			wantSource: SourceDefault,
		},
		{
			name:        "blocked denies",
			now:         monday,
			restriction: restriction(BlockedSettings{}),
			wantAction:  ActionDeny,
			wantReason:  "app is blocked",
			wantSource:  SourceRestriction,
		},
		{
			name:        "blocked ignores usage and time",
			now:         at(3, 0),
			restriction: restriction(BlockedSettings{}),
			usage:       Usage{TotalToday: 0, Launches: 0},
			wantAction:  ActionDeny,
			wantReason:  "app is blocked",
			wantSource:  SourceRestriction,
		},
		{
			name:          "timed under daily limit",
			now:           monday,
			restriction:   restriction(TimedSettings{DailyLimitMinutes: 30}),
			usage:         Usage{TotalToday: 29 * time.Minute},
			wantAction:    ActionAllow,
			wantSource:    SourceRestriction,
			wantRemaining: time.Minute,
		},
		{
			name:        "timed at daily limit",
			now:         monday,
			restriction: restriction(TimedSettings{DailyLimitMinutes: 30}),
			usage:       Usage{TotalToday: 30 * time.Minute},
			wantAction:  ActionDeny,
			wantReason:  "Daily limit of 30 minutes reached",
			wantSource:  SourceRestriction,
		},
		{
			name:        "open session counts toward daily limit",
			now:         monday,
			restriction: restriction(TimedSettings{DailyLimitMinutes: 30}),
			usage: Usage{
				TotalToday:     20 * time.Minute,
				SessionOpen:    true,
				SessionStarted: monday.Add(-10 * time.Minute),
			},
			wantAction: ActionDeny,
			wantReason: "Daily limit of 30 minutes reached",
			wantSource: SourceRestriction,
		},
		{
			name:        "session limit reached",
			now:         monday,
			restriction: restriction(TimedSettings{DailyLimitMinutes: 120, SessionLimitMinutes: 15}),
			usage: Usage{
				TotalToday:     5 * time.Minute,
				SessionOpen:    true,
				SessionStarted: monday.Add(-15 * time.Minute),
			},
			wantAction: ActionDeny,
			wantReason: "Session limit of 15 minutes reached",
			wantSource: SourceRestriction,
		},
		{
			name:        "daily limit wins over session limit",
			now:         monday,
			restriction: restriction(TimedSettings{DailyLimitMinutes: 20, SessionLimitMinutes: 15}),
			usage: Usage{
				TotalToday:     10 * time.Minute,
				SessionOpen:    true,
				SessionStarted: monday.Add(-16 * time.Minute),
			},
			wantAction: ActionDeny,
			wantReason: "Daily limit of 20 minutes reached",
			wantSource: SourceRestriction,
		},
		{
			name:        "cooldown active after session",
			now:         monday,
			restriction: restriction(TimedSettings{CooldownMinutes: 10}),
			usage:       Usage{LastSessionEnd: monday.Add(-3 * time.Minute)},
			wantAction:  ActionDeny,
			wantReason:  "Cooldown active for 7 more minutes",
			wantSource:  SourceRestriction,
		},
		{
			name:        "cooldown rounds up partial minutes",
			now:         monday,
			restriction: restriction(TimedSettings{CooldownMinutes: 10}),
			usage:       Usage{LastSessionEnd: monday.Add(-9*time.Minute - 30*time.Second)},
			wantAction:  ActionDeny,
			wantReason:  "Cooldown active for 1 more minutes",
			wantSource:  SourceRestriction,
		},
		{
			name:        "cooldown elapsed",
			now:         monday,
			restriction: restriction(TimedSettings{CooldownMinutes: 10}),
			usage:       Usage{LastSessionEnd: monday.Add(-10 * time.Minute)},
			wantAction:  ActionAllow,
			wantSource:  SourceRestriction,
		},
		{
			name:        "cooldown not applied to open session",
			now:         monday,
			restriction: restriction(TimedSettings{CooldownMinutes: 10}),
			usage: Usage{
				SessionOpen:    true,
				SessionStarted: monday.Add(-time.Minute),
				LastSessionEnd: monday.Add(-2 * time.Minute),
			},
			wantAction: ActionAllow,
			wantSource: SourceRestriction,
		},
		{
			name: "scheduled outside allowed hours",
			now:  at(20, 0),
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "09:00", End: "17:00"}},
			}),
			wantAction: ActionDeny,
			wantReason: "Outside allowed hours",
			wantSource: SourceRestriction,
		},
		{
			name: "scheduled inside allowed hours",
			now:  at(10, 0),
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "09:00", End: "17:00"}},
			}),
			wantAction: ActionAllow,
			wantSource: SourceRestriction,
		},
		{
			name: "window end is exclusive",
			now:  at(17, 0),
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "09:00", End: "17:00"}},
			}),
			wantAction: ActionDeny,
			wantReason: "Outside allowed hours",
			wantSource: SourceRestriction,
		},
		{
			name: "window wraps midnight",
			now:  at(23, 30),
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "22:00", End: "02:00"}},
			}),
			wantAction: ActionAllow,
			wantSource: SourceRestriction,
		},
		{
			name: "blocked weekday",
			now:  at(10, 0),
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "09:00", End: "17:00"}},
				BlockedDays:  []time.Weekday{time.Monday},
			}),
			wantAction: ActionDeny,
			wantReason: "Blocked on Monday",
			wantSource: SourceRestriction,
		},
		{
			name:        "scheduled without windows only checks days",
			now:         at(3, 0),
			restriction: restriction(ScheduledSettings{BlockedDays: []time.Weekday{time.Sunday}}),
			wantAction:  ActionAllow,
			wantSource:  SourceRestriction,
		},
		{
			name:        "launch limit reached",
			now:         monday,
			restriction: restriction(LimitedSettings{LaunchLimit: 3}),
			usage:       Usage{Launches: 3},
			wantAction:  ActionDeny,
			wantReason:  "Launch limit of 3 reached",
			wantSource:  SourceRestriction,
		},
		{
			name:        "launch limit ignores the running launch",
			now:         monday,
			restriction: restriction(LimitedSettings{LaunchLimit: 3}),
			usage:       Usage{Launches: 3, SessionOpen: true, SessionStarted: monday.Add(-time.Minute)},
			wantAction:  ActionAllow,
			wantSource:  SourceRestriction,
		},
		{
			name:        "crisis overrides block",
			now:         monday,
			restriction: restriction(BlockedSettings{}),
			crisis:      true,
			wantAction:  ActionAllow,
			wantSource:  SourceCrisis,
		},
		{
			name:        "grant overrides daily limit",
			now:         monday,
			restriction: restriction(TimedSettings{DailyLimitMinutes: 30}),
			usage:       Usage{TotalToday: 45 * time.Minute},
			grant: &storage.Grant{
				AppID:     "app",
				GrantedAt: monday.Add(-5 * time.Minute),
				ExpiresAt: monday.Add(10 * time.Minute),
			},
			wantAction: ActionAllow,
			wantSource: SourceGrant,
		},
		{
			name:        "expired grant is ignored",
			now:         monday,
			restriction: restriction(BlockedSettings{}),
			grant: &storage.Grant{
				AppID:     "app",
				GrantedAt: monday.Add(-20 * time.Minute),
				ExpiresAt: monday.Add(-5 * time.Minute),
			},
			wantAction: ActionDeny,
			wantReason: "app is blocked",
			wantSource: SourceRestriction,
		},
		{
			name:        "grant for another app is ignored",
			now:         monday,
			restriction: restriction(BlockedSettings{}),
			grant: &storage.Grant{
				AppID:     "other",
				GrantedAt: monday.Add(-time.Minute),
				ExpiresAt: monday.Add(time.Hour),
			},
			wantAction: ActionDeny,
			wantReason: "app is blocked",
			wantSource: SourceRestriction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate("app", tt.now, tt.restriction, tt.usage, tt.grant, tt.crisis)

			if got.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s (reason %q)", got.Action, tt.wantAction, got.Reason)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", got.Source, tt.wantSource)
			}
			if tt.wantRemaining != 0 && got.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %v, want %v", got.Remaining, tt.wantRemaining)
			}
		})
	}
}

func TestEvaluateGrantRemaining(t *testing.T) {
	grant := &storage.Grant{
		AppID:     "app",
		GrantedAt: monday,
		ExpiresAt: monday.Add(15 * time.Minute),
	}

	got := Evaluate("app", monday.Add(time.Minute), restriction(BlockedSettings{}), Usage{}, grant, false)
	if !got.Allowed() {
		t.Fatalf("expected allow, got %+v", got)
	}
	if got.GrantRemaining <= 0 || got.GrantRemaining > 15*time.Minute {
		t.Errorf("GrantRemaining = %v, want within (0, 15m]", got.GrantRemaining)
	}
}

func TestEvaluateMisconfiguredFailsOpen(t *testing.T) {
	tests := []struct {
		name        string
		restriction *Restriction
		wantWarning string
	}{
		{
			name:        "negative daily limit",
			restriction: restriction(TimedSettings{DailyLimitMinutes: -5}),
			wantWarning: "invalid daily limit",
		},
		{
			name:        "timed without limits",
			restriction: restriction(TimedSettings{}),
			wantWarning: "no limits",
		},
		{
			name: "unparsable window",
			restriction: restriction(ScheduledSettings{
				AllowedHours: []Window{{Start: "nine", End: "17:00"}},
			}),
			wantWarning: "invalid time of day",
		},
		{
			name:        "zero launch limit",
			restriction: restriction(LimitedSettings{}),
			wantWarning: "invalid launch limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate("app", at(20, 0), tt.restriction, Usage{Launches: 10, TotalToday: 10 * time.Hour}, nil, false)
			if !got.Allowed() {
				t.Fatalf("expected fail-open allow, got %+v", got)
			}
			if len(got.Warnings) == 0 || !strings.Contains(strings.Join(got.Warnings, ";"), tt.wantWarning) {
				t.Errorf("Warnings = %v, want one containing %q", got.Warnings, tt.wantWarning)
			}
		})
	}
}

func TestEvaluateSkipsOnlyBrokenWindows(t *testing.T) {
	r := restriction(ScheduledSettings{
		AllowedHours: []Window{
			{Start: "25:00", End: "26:00"},
			{Start: "09:00", End: "17:00"},
		},
	})

	got := Evaluate("app", at(20, 0), r, Usage{}, nil, false)
	if got.Allowed() {
		t.Errorf("expected deny from the valid window, got %+v", got)
	}
	if len(got.Warnings) != 1 {
		t.Errorf("expected one warning for the broken window, got %v", got.Warnings)
	}
}

func TestRecordRoundTripKeepsOnlyRelevantFields(t *testing.T) {
	rec := storage.RestrictionRecord{
		AppID:             "chat",
		Type:              "Scheduled",
		DailyLimitMinutes: 30, // ignored for scheduled
		AllowedHours:      []storage.HourWindow{{Start: "09:00", End: "17:00"}},
		BlockedDays:       []int{0, 6},
	}

	r, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord failed: %v", err)
	}

	s, ok := r.Settings.(ScheduledSettings)
	if !ok {
		t.Fatalf("expected ScheduledSettings, got %T", r.Settings)
	}
	if len(s.BlockedDays) != 2 || s.BlockedDays[1] != time.Saturday {
		t.Errorf("unexpected blocked days: %v", s.BlockedDays)
	}

	back := r.Record()
	if back.Type != "scheduled" || back.DailyLimitMinutes != 0 {
		t.Errorf("unexpected stored form: %+v", back)
	}

	if _, err := FromRecord(storage.RestrictionRecord{AppID: "x", Type: "sometimes"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
