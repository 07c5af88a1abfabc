package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/usage"
	"github.com/spf13/cobra"
)

var (
	checkDay  string
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] APP_ID",
	Short: "Check the access decision for an app",
	Long: `Check what decision SecondChance would make if APP_ID were opened now, or at
the given day and time, using the stored restriction, grants and usage.
The crisis override lives in the running engine and is not considered.`,
	Example: `  secondchance check com.example.video
  secondchance -c config.yaml check --day saturday --time 21:30 com.example.chat`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	appID := args[0]

	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	at, err := parseCheckTime(checkDay, checkTime, time.Now().In(env.location))
	if err != nil {
		return err
	}

	ctx := context.Background()
	clock := &policy.TestClock{CurrentTime: at}

	registry := policy.NewRegistry(env.store.Restrictions(), env.store.Grants(), nil, nil, policy.RegistryConfig{CacheSize: 1}, env.logger)
	registry.SetClock(clock)
	if err := registry.LoadGrants(ctx); err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	restriction, err := registry.Get(ctx, appID)
	if err != nil {
		return fmt.Errorf("failed to load restriction: %w", err)
	}

	tracker := usage.NewTracker(env.store.Usage(), nil, usage.Config{Location: env.location}, env.logger)
	tracker.SetClock(clock)
	used, err := tracker.Snapshot(ctx, appID, at)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	grant := registry.ActiveGrant(appID, at)
	decision := policy.Evaluate(appID, at, restriction, used, grant, false)

	printDecision(appID, at, restriction, used, decision)
	return nil
}

func printDecision(appID string, at time.Time, restriction *policy.Restriction, used policy.Usage, d policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("App Access Check")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("App:         %s\n", appID)
	fmt.Printf("At:          %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	if restriction == nil {
		fmt.Println("Restriction: none")
	} else {
		fmt.Printf("Restriction: %s\n", restriction.Settings.Type())
	}
	fmt.Printf("Today:       %s used, %d launches, %d violations\n",
		used.TotalToday.Round(time.Second), used.Launches, used.Violations)
	fmt.Println(strings.Repeat("─", 50))

	if d.Allowed() {
		_, _ = green.Printf("Decision:    %s", d.Action)
	} else {
		_, _ = red.Printf("Decision:    %s", d.Action)
	}
	fmt.Printf(" (%s)\n", d.Source)

	if d.Reason != "" {
		fmt.Printf("Reason:      %s\n", d.Reason)
	}
	if d.Remaining > 0 {
		fmt.Printf("Remaining:   %s\n", d.Remaining.Round(time.Second))
	}
	if d.GrantRemaining > 0 {
		fmt.Printf("Grant left:  %s\n", d.GrantRemaining.Round(time.Second))
	}
	for _, w := range d.Warnings {
		_, _ = yellow.Printf("Warning:     %s\n", w)
	}
}

// parseCheckTime parses day and time flags into a time relative to now
func parseCheckTime(dayStr, timeStr string, now time.Time) (time.Time, error) {
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		if len(strings.Split(timeStr, ":")) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}
		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		day, err := parseWeekday(dayStr)
		if err != nil {
			return time.Time{}, err
		}
		targetDay = day
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	target := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, now.Location()), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("invalid day: %s", s)
	}
}
