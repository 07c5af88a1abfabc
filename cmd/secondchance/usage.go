package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/goodtune/secondchance/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageDate          string
	usageDays          int
	usageMinViolations int
	usageMinAvgMinutes float64
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect recorded app usage",
}

var usageReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show per-app usage for a day",
	Args:  cobra.NoArgs,
	RunE:  runUsageReport,
}

var usageInsightsCmd = &cobra.Command{
	Use:     "insights",
	Aliases: []string{"problematic"},
	Short:   "Show usage trends and apps that look problematic",
	Args:    cobra.NoArgs,
	RunE:    runUsageInsights,
}

func init() {
	usageReportCmd.Flags().StringVar(&usageDate, "date", "", "Date (YYYY-MM-DD) - defaults to today")

	usageInsightsCmd.Flags().IntVar(&usageDays, "days", usage.DefaultInsightConfig.Days, "Number of days to look back")
	usageInsightsCmd.Flags().IntVar(&usageMinViolations, "min-violations", usage.DefaultInsightConfig.MinViolations, "Flag apps with at least this many denied launches")
	usageInsightsCmd.Flags().Float64Var(&usageMinAvgMinutes, "min-avg-minutes", usage.DefaultInsightConfig.MinAvgDailyMinutes, "Flag apps averaging at least this many minutes a day")

	usageCmd.AddCommand(usageReportCmd)
	usageCmd.AddCommand(usageInsightsCmd)
	rootCmd.AddCommand(usageCmd)
}

func runUsageReport(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	date := usageDate
	if date == "" {
		date = time.Now().In(env.location).Format(storage.DateLayout)
	} else if _, err := time.ParseInLocation(storage.DateLayout, date, env.location); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}

	records, err := env.store.Usage().ListDailyUsage(context.Background(), date)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No usage recorded on %s\n", date)
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].TotalSeconds > records[j].TotalSeconds
	})

	_, _ = color.New(color.FgCyan, color.Bold).Printf("Usage on %s\n", date)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tMINUTES\tSESSIONS\tLAUNCHES\tVIOLATIONS")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%.1f\t%d\t%d\t%d\n", rec.AppID, rec.TotalMinutes(), len(rec.Sessions), rec.Launches, rec.Violations)
	}
	return w.Flush()
}

func runUsageInsights(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	now := time.Now()

	all, err := usage.Summarize(ctx, env.store.Usage(), now, usageDays, env.location)
	if err != nil {
		return err
	}
	flagged, err := usage.ProblematicApps(ctx, env.store.Usage(), now, env.location, usage.InsightConfig{
		Days:               usageDays,
		MinViolations:      usageMinViolations,
		MinAvgDailyMinutes: usageMinAvgMinutes,
	})
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgCyan, color.Bold).Printf("Last %d days\n", usageDays)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tDAYS USED\tTOTAL MIN\tAVG MIN/DAY\tLAUNCHES\tVIOLATIONS")
	for _, ins := range all {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%d\t%d\n", ins.AppID, ins.DaysUsed, ins.TotalMinutes, ins.AvgDailyMinutes, ins.Launches, ins.Violations)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(flagged) == 0 {
		_, _ = color.New(color.FgGreen).Println("\nNo problematic apps")
		return nil
	}

	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Println("\nProblematic apps")
	for _, ins := range flagged {
		fmt.Printf("  %s: %s\n", ins.AppID, strings.Join(ins.Reasons, "; "))
	}
	return nil
}
