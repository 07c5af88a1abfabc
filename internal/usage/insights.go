package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
)

// InsightConfig sets the thresholds for flagging an app
type InsightConfig struct {
	Days               int
	MinViolations      int
	MinAvgDailyMinutes float64
}

// DefaultInsightConfig looks at the last week
var DefaultInsightConfig = InsightConfig{
	Days:               7,
	MinViolations:      3,
	MinAvgDailyMinutes: 60,
}

// AppInsight summarises an app's usage over a window of days
type AppInsight struct {
	AppID           string   `json:"app_id"`
	DaysUsed        int      `json:"days_used"`
	TotalMinutes    float64  `json:"total_minutes"`
	AvgDailyMinutes float64  `json:"avg_daily_minutes"`
	Launches        int      `json:"launches"`
	Violations      int      `json:"violations"`
	Reasons         []string `json:"reasons"`
}

// Summarize aggregates usage records for the days ending at end, inclusive
func Summarize(ctx context.Context, store storage.UsageStore, end time.Time, days int, loc *time.Location) ([]AppInsight, error) {
	if days <= 0 {
		days = DefaultInsightConfig.Days
	}

	byApp := make(map[string]*AppInsight)
	local := end.In(loc)
	for i := 0; i < days; i++ {
		date := time.Date(local.Year(), local.Month(), local.Day()-i, 12, 0, 0, 0, loc).Format(storage.DateLayout)

		records, err := store.ListDailyUsage(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("failed to list usage for %s: %w", date, err)
		}

		for _, rec := range records {
			ins, ok := byApp[rec.AppID]
			if !ok {
				ins = &AppInsight{AppID: rec.AppID}
				byApp[rec.AppID] = ins
			}
			if rec.TotalSeconds > 0 || rec.Launches > 0 {
				ins.DaysUsed++
			}
			ins.TotalMinutes += rec.TotalMinutes()
			ins.Launches += rec.Launches
			ins.Violations += rec.Violations
		}
	}

	out := make([]AppInsight, 0, len(byApp))
	for _, ins := range byApp {
		ins.AvgDailyMinutes = ins.TotalMinutes / float64(days)
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })

	return out, nil
}

// ProblematicApps returns apps whose violations or average daily use over
// the window reach the thresholds, worst first.
func ProblematicApps(ctx context.Context, store storage.UsageStore, end time.Time, loc *time.Location, cfg InsightConfig) ([]AppInsight, error) {
	all, err := Summarize(ctx, store, end, cfg.Days, loc)
	if err != nil {
		return nil, err
	}

	var flagged []AppInsight
	for _, ins := range all {
		if cfg.MinViolations > 0 && ins.Violations >= cfg.MinViolations {
			ins.Reasons = append(ins.Reasons, fmt.Sprintf("%d blocked attempts", ins.Violations))
		}
		if cfg.MinAvgDailyMinutes > 0 && ins.AvgDailyMinutes >= cfg.MinAvgDailyMinutes {
			ins.Reasons = append(ins.Reasons, fmt.Sprintf("%.0f minutes a day on average", ins.AvgDailyMinutes))
		}
		if len(ins.Reasons) > 0 {
			flagged = append(flagged, ins)
		}
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		if flagged[i].Violations != flagged[j].Violations {
			return flagged[i].Violations > flagged[j].Violations
		}
		return flagged[i].AvgDailyMinutes > flagged[j].AvgDailyMinutes
	})

	return flagged, nil
}
