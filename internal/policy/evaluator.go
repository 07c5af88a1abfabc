package policy

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

// Evaluate decides whether appID may run at now. It performs no I/O and
// has no side effects; now is expected in the policy timezone.
//
// Precedence: an active crisis override, then an unexpired grant, then the
// app's restriction. Without a restriction the app is allowed.
func Evaluate(appID string, now time.Time, restriction *Restriction, usage Usage, grant *storage.Grant, crisisActive bool) Decision {
	if crisisActive {
		return Decision{Action: ActionAllow, Source: SourceCrisis, Reason: "crisis override active"}
	}

	if grant != nil && grant.AppID == appID && grant.Covers(now) {
		return Decision{
			Action:         ActionAllow,
			Source:         SourceGrant,
			Reason:         "approved by supporter",
			GrantRemaining: grant.ExpiresAt.Sub(now),
		}
	}

	if restriction == nil || restriction.Settings == nil {
		return Decision{Action: ActionAllow, Source: SourceDefault}
	}

	var d Decision
	switch s := restriction.Settings.(type) {
	case BlockedSettings:
		d = deny("app is blocked")
	case TimedSettings:
		d = evaluateTimed(s, now, usage)
	case ScheduledSettings:
		d = evaluateScheduled(s, now)
	case LimitedSettings:
		d = evaluateLimited(s, usage)
	default:
		d = Decision{
			Action:   ActionAllow,
			Warnings: []string{fmt.Sprintf("unsupported restriction type %T", s)},
		}
	}

	d.Source = SourceRestriction
	return d
}

func deny(reason string) Decision {
	return Decision{Action: ActionDeny, Reason: reason}
}

// evaluateTimed applies daily limit, session limit and cooldown in that
// order; the first failing check wins.
func evaluateTimed(s TimedSettings, now time.Time, usage Usage) Decision {
	var warnings []string
	elapsed := usage.SessionElapsed(now)
	total := usage.TotalToday + usage.TodayElapsed(now)

	daily := time.Duration(s.DailyLimitMinutes) * time.Minute
	switch {
	case s.DailyLimitMinutes > 0:
		if total >= daily {
			return deny(fmt.Sprintf("Daily limit of %d minutes reached", s.DailyLimitMinutes))
		}
	case s.DailyLimitMinutes < 0:
		warnings = append(warnings, fmt.Sprintf("invalid daily limit %d", s.DailyLimitMinutes))
	}

	switch {
	case s.SessionLimitMinutes > 0:
		if usage.SessionOpen && elapsed >= time.Duration(s.SessionLimitMinutes)*time.Minute {
			return deny(fmt.Sprintf("Session limit of %d minutes reached", s.SessionLimitMinutes))
		}
	case s.SessionLimitMinutes < 0:
		warnings = append(warnings, fmt.Sprintf("invalid session limit %d", s.SessionLimitMinutes))
	}

	switch {
	case s.CooldownMinutes > 0:
		if !usage.SessionOpen && !usage.LastSessionEnd.IsZero() {
			left := usage.LastSessionEnd.Add(time.Duration(s.CooldownMinutes) * time.Minute).Sub(now)
			if left > 0 {
				minutes := int(math.Ceil(left.Minutes()))
				return deny(fmt.Sprintf("Cooldown active for %d more minutes", minutes))
			}
		}
	case s.CooldownMinutes < 0:
		warnings = append(warnings, fmt.Sprintf("invalid cooldown %d", s.CooldownMinutes))
	}

	if s.DailyLimitMinutes == 0 && s.SessionLimitMinutes == 0 && s.CooldownMinutes == 0 {
		warnings = append(warnings, "timed restriction has no limits configured")
	}

	d := Decision{Action: ActionAllow, Warnings: warnings}
	if s.DailyLimitMinutes > 0 {
		d.Remaining = daily - total
	}
	return d
}

// evaluateScheduled denies on blocked weekdays and outside every allowed
// window. Unparsable windows are skipped.
func evaluateScheduled(s ScheduledSettings, now time.Time) Decision {
	if slices.Contains(s.BlockedDays, now.Weekday()) {
		return deny(fmt.Sprintf("Blocked on %s", now.Weekday()))
	}

	if len(s.AllowedHours) == 0 {
		return Decision{Action: ActionAllow}
	}

	var warnings []string
	minute := now.Hour()*60 + now.Minute()
	valid := 0
	for _, w := range s.AllowedHours {
		in, err := w.contains(minute)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		valid++
		if in {
			return Decision{Action: ActionAllow, Warnings: warnings}
		}
	}

	// Every window was unusable: no time-of-day restriction applies.
	if valid == 0 {
		return Decision{Action: ActionAllow, Warnings: warnings}
	}

	d := deny("Outside allowed hours")
	d.Warnings = warnings
	return d
}

// evaluateLimited caps launches. A launch in progress is not re-counted.
func evaluateLimited(s LimitedSettings, usage Usage) Decision {
	if s.LaunchLimit <= 0 {
		return Decision{
			Action:   ActionAllow,
			Warnings: []string{fmt.Sprintf("invalid launch limit %d", s.LaunchLimit)},
		}
	}
	if !usage.SessionOpen && usage.Launches >= s.LaunchLimit {
		return deny(fmt.Sprintf("Launch limit of %d reached", s.LaunchLimit))
	}
	return Decision{Action: ActionAllow}
}
