package policy

import "time"

// ReductionInterval is the minimum time between two gradual reductions.
const ReductionInterval = 7 * 24 * time.Hour

// Reduction describes one lowering of a daily limit
type Reduction struct {
	AppID       string
	FromMinutes int
	ToMinutes   int
	At          time.Time
}

// NextReduction returns the restriction as it should be stored after a
// session ends at now, or nil when nothing changes. The Reduction is
// non-nil only when the daily limit actually dropped; a restriction that
// has never been reduced is armed (LastReducedAt set) without reducing.
//
// The daily limit never increases and never drops below the target.
func NextReduction(r *Restriction, now time.Time) (*Restriction, *Reduction) {
	if r == nil || r.GradualReduction == nil || !r.GradualReduction.Enabled {
		return nil, nil
	}
	timed, ok := r.Settings.(TimedSettings)
	if !ok {
		return nil, nil
	}

	g := *r.GradualReduction
	if g.ReductionPerWeek <= 0 || g.TargetMinutes < 0 {
		return nil, nil
	}
	if timed.DailyLimitMinutes <= 0 || timed.DailyLimitMinutes <= g.TargetMinutes {
		return nil, nil
	}

	updated := *r
	if g.LastReducedAt.IsZero() {
		g.LastReducedAt = now
		updated.GradualReduction = &g
		updated.UpdatedAt = now
		return &updated, nil
	}

	if now.Sub(g.LastReducedAt) < ReductionInterval {
		return nil, nil
	}

	from := timed.DailyLimitMinutes
	timed.DailyLimitMinutes = max(g.TargetMinutes, from-g.ReductionPerWeek)
	g.LastReducedAt = now

	updated.Settings = timed
	updated.GradualReduction = &g
	updated.UpdatedAt = now

	return &updated, &Reduction{
		AppID:       r.AppID,
		FromMinutes: from,
		ToMinutes:   timed.DailyLimitMinutes,
		At:          now,
	}
}
