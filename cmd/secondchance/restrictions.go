package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/bridge"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var restrictionsFile string

var restrictionsCmd = &cobra.Command{
	Use:   "restrictions",
	Short: "Manage per-app restrictions",
	Long: `List, apply and delete per-app restrictions. A running engine is told
over the bridge socket to drop its cached copy; if it cannot be reached it
picks up changes once its restriction cache entry expires.`,
}

var restrictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored restrictions",
	Args:  cobra.NoArgs,
	RunE:  runRestrictionsList,
}

var restrictionsApplyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Create or replace restrictions from a YAML file",
	Example: `  secondchance restrictions apply -f restrictions.yaml

  # restrictions.yaml
  restrictions:
    - app_id: com.example.video
      type: timed
      daily_limit_minutes: 90
      session_limit_minutes: 30
      cooldown_minutes: 15
      gradual_reduction:
        enabled: true
        target_minutes: 45
        reduction_per_week: 15
    - app_id: com.example.chat
      type: scheduled
      allowed_hours:
        - {start: "16:00", end: "20:00"}
      blocked_days: [0, 6]`,
	Args: cobra.NoArgs,
	RunE: runRestrictionsApply,
}

var restrictionsDeleteCmd = &cobra.Command{
	Use:   "delete APP_ID",
	Short: "Remove the restriction for an app",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestrictionsDelete,
}

func init() {
	restrictionsApplyCmd.Flags().StringVarP(&restrictionsFile, "file", "f", "", "Restrictions YAML file (required)")
	_ = restrictionsApplyCmd.MarkFlagRequired("file")

	restrictionsCmd.AddCommand(restrictionsListCmd)
	restrictionsCmd.AddCommand(restrictionsApplyCmd)
	restrictionsCmd.AddCommand(restrictionsDeleteCmd)
	rootCmd.AddCommand(restrictionsCmd)
}

// readRestrictionFile accepts either a top-level "restrictions" list or a
// bare list of records.
func readRestrictionFile(path string) ([]storage.RestrictionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc struct {
		Restrictions []storage.RestrictionRecord `yaml:"restrictions"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Restrictions) > 0 {
		return doc.Restrictions, nil
	}

	var list []storage.RestrictionRecord
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no restrictions found in %s", path)
	}
	return list, nil
}

func newCLIRegistry(env *cliEnv, withLinter bool) (*policy.Registry, error) {
	var linter *policy.Linter
	if withLinter {
		var err error
		if linter, err = policy.NewLinter(env.logger); err != nil {
			return nil, err
		}
	}
	return policy.NewRegistry(env.store.Restrictions(), env.store.Grants(), linter, nil, policy.RegistryConfig{CacheSize: 1}, env.logger), nil
}

func runRestrictionsList(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	registry, err := newCLIRegistry(env, false)
	if err != nil {
		return err
	}
	restrictions, err := registry.List(context.Background())
	if err != nil {
		return err
	}
	if len(restrictions) == 0 {
		fmt.Println("No restrictions configured")
		return nil
	}

	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tTYPE\tSETTINGS\tGRADUAL")
	for _, r := range restrictions {
		kind := string(r.Settings.Type())
		if r.Settings.Type() == policy.TypeBlocked {
			kind = red.Sprint(kind)
		} else {
			kind = yellow.Sprint(kind)
		}
		gradual := "-"
		if g := r.GradualReduction; g != nil && g.Enabled {
			gradual = fmt.Sprintf("-%dm/week to %dm", g.ReductionPerWeek, g.TargetMinutes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.AppID, kind, describeSettings(r.Settings), gradual)
	}
	return w.Flush()
}

func describeSettings(s policy.Settings) string {
	switch v := s.(type) {
	case policy.TimedSettings:
		var parts []string
		if v.DailyLimitMinutes > 0 {
			parts = append(parts, fmt.Sprintf("daily %dm", v.DailyLimitMinutes))
		}
		if v.SessionLimitMinutes > 0 {
			parts = append(parts, fmt.Sprintf("session %dm", v.SessionLimitMinutes))
		}
		if v.CooldownMinutes > 0 {
			parts = append(parts, fmt.Sprintf("cooldown %dm", v.CooldownMinutes))
		}
		return strings.Join(parts, ", ")
	case policy.ScheduledSettings:
		var parts []string
		for _, win := range v.AllowedHours {
			parts = append(parts, win.Start+"-"+win.End)
		}
		desc := strings.Join(parts, " ")
		if len(v.BlockedDays) > 0 {
			days := make([]string, len(v.BlockedDays))
			for i, d := range v.BlockedDays {
				days[i] = d.String()[:3]
			}
			desc += " blocked " + strings.Join(days, ",")
		}
		return strings.TrimSpace(desc)
	case policy.LimitedSettings:
		return fmt.Sprintf("%d launches/day", v.LaunchLimit)
	default:
		return ""
	}
}

func runRestrictionsApply(cmd *cobra.Command, args []string) error {
	records, err := readRestrictionFile(restrictionsFile)
	if err != nil {
		return err
	}

	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	registry, err := newCLIRegistry(env, true)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	var failed int
	for _, rec := range records {
		warnings, err := registry.Apply(context.Background(), rec)
		if err != nil {
			_, _ = red.Printf("✗ %s: %v\n", rec.AppID, err)
			failed++
			continue
		}
		_, _ = green.Printf("✓ %s (%s)\n", rec.AppID, strings.ToLower(rec.Type))
		for _, w := range warnings {
			_, _ = yellow.Printf("    warning: %s\n", w.Message)
		}
	}

	if failed < len(records) {
		invalidateEngineCache(env, "")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d restriction(s) rejected", failed, len(records))
	}
	return nil
}

// invalidateEngineCache asks a running engine to drop cached restrictions
// for appID (all when empty). An unreachable engine is not an error.
func invalidateEngineCache(env *cliEnv, appID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, env.cfg.Bridge.SocketPath)
	if err != nil {
		env.logger.Debug().Err(err).Msg("Engine not reachable, cache will expire on its own")
		return
	}
	defer client.Close()

	if _, err := client.Request(ctx, bridge.Message{Type: bridge.TypeRestrictionsChanged, AppID: appID}); err != nil {
		_, _ = color.New(color.FgYellow).Printf("warning: running engine did not refresh: %v\n", err)
	}
}

func runRestrictionsDelete(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	registry, err := newCLIRegistry(env, false)
	if err != nil {
		return err
	}
	if err := registry.Delete(context.Background(), args[0]); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no restriction for %s", args[0])
		}
		return err
	}
	invalidateEngineCache(env, args[0])
	fmt.Printf("Deleted restriction for %s\n", args[0])
	return nil
}
