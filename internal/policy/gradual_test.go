package policy

import (
	"testing"
	"time"
)

func timedWithReduction(daily, target, step int, last time.Time) *Restriction {
	return &Restriction{
		AppID:    "chat",
		Settings: TimedSettings{DailyLimitMinutes: daily},
		GradualReduction: &GradualReduction{
			Enabled:          true,
			TargetMinutes:    target,
			ReductionPerWeek: step,
			LastReducedAt:    last,
		},
	}
}

func dailyLimit(r *Restriction) int {
	return r.Settings.(TimedSettings).DailyLimitMinutes
}

func TestNextReductionArmsFirst(t *testing.T) {
	r := timedWithReduction(60, 30, 10, time.Time{})

	updated, reduction := NextReduction(r, monday)
	if updated == nil {
		t.Fatal("expected schedule to be armed")
	}
	if reduction != nil {
		t.Errorf("arming must not reduce, got %+v", reduction)
	}
	if dailyLimit(updated) != 60 || !updated.GradualReduction.LastReducedAt.Equal(monday) {
		t.Errorf("unexpected armed restriction: %+v", updated.GradualReduction)
	}
	if !r.GradualReduction.LastReducedAt.IsZero() {
		t.Error("input restriction must not be mutated")
	}
}

func TestNextReductionWeekly(t *testing.T) {
	tests := []struct {
		name     string
		daily    int
		target   int
		step     int
		since    time.Duration
		wantTo   int
		wantNone bool
	}{
		{name: "not yet a week", daily: 60, target: 30, step: 10, since: 6 * 24 * time.Hour, wantNone: true},
		{name: "one week reduces by step", daily: 60, target: 30, step: 10, since: 7 * 24 * time.Hour, wantTo: 50},
		{name: "clamps at target", daily: 35, target: 30, step: 10, since: 8 * 24 * time.Hour, wantTo: 30},
		{name: "stops at target", daily: 30, target: 30, step: 10, since: 30 * 24 * time.Hour, wantNone: true},
		{name: "never raises toward a higher target", daily: 20, target: 30, step: 10, since: 30 * 24 * time.Hour, wantNone: true},
		{name: "zero step is ignored", daily: 60, target: 30, step: 0, since: 30 * 24 * time.Hour, wantNone: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := timedWithReduction(tt.daily, tt.target, tt.step, monday)
			now := monday.Add(tt.since)

			updated, reduction := NextReduction(r, now)
			if tt.wantNone {
				if updated != nil || reduction != nil {
					t.Errorf("expected no change, got %+v", reduction)
				}
				return
			}

			if reduction == nil || updated == nil {
				t.Fatal("expected a reduction")
			}
			if reduction.FromMinutes != tt.daily || reduction.ToMinutes != tt.wantTo {
				t.Errorf("reduction %d -> %d, want %d -> %d", reduction.FromMinutes, reduction.ToMinutes, tt.daily, tt.wantTo)
			}
			if dailyLimit(updated) != tt.wantTo {
				t.Errorf("daily limit = %d, want %d", dailyLimit(updated), tt.wantTo)
			}
			if !updated.GradualReduction.LastReducedAt.Equal(now) {
				t.Errorf("LastReducedAt = %v, want %v", updated.GradualReduction.LastReducedAt, now)
			}
		})
	}
}

func TestNextReductionMonotonic(t *testing.T) {
	r := timedWithReduction(120, 45, 20, monday)
	now := monday
	prev := dailyLimit(r)

	for week := 0; week < 10; week++ {
		now = now.Add(ReductionInterval)
		updated, _ := NextReduction(r, now)
		if updated == nil {
			break
		}
		got := dailyLimit(updated)
		if got > prev || got < 45 {
			t.Fatalf("week %d: limit %d after %d breaks monotonic decrease to 45", week, got, prev)
		}
		prev = got
		r = updated
	}

	if prev != 45 {
		t.Errorf("expected to settle at target 45, got %d", prev)
	}
}

func TestNextReductionIgnoresOtherTypes(t *testing.T) {
	r := &Restriction{
		AppID:            "snap",
		Settings:         BlockedSettings{},
		GradualReduction: &GradualReduction{Enabled: true, TargetMinutes: 10, ReductionPerWeek: 5},
	}
	if updated, _ := NextReduction(r, monday); updated != nil {
		t.Error("expected no reduction for blocked restriction")
	}
}
