package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/config"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump         bool
	validateRestrictions string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and restriction files",
	Long: `Validate the SecondChance configuration file for syntax and semantic errors.
With --restrictions, also lint a restrictions YAML file without applying it.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().StringVar(&validateRestrictions, "restrictions", "", "Restrictions YAML file to lint")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateRestrictions != "" {
		if err := lintRestrictionFile(cmd.Context(), validateRestrictions); err != nil {
			return err
		}
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))
		dumpConfig(cfg, config.Default())
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

func lintRestrictionFile(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := readRestrictionFile(path)
	if err != nil {
		return err
	}

	var invalid int
	for _, rec := range records {
		if _, err := policy.FromRecord(rec); err != nil {
			_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stdout, "❌ %s: %v\n", rec.AppID, err)
			invalid++
		}
	}

	linter, err := policy.NewLinter(quietLogger())
	if err != nil {
		return err
	}
	warnings, err := linter.Lint(ctx, records)
	if err != nil {
		return fmt.Errorf("lint failed: %w", err)
	}

	yellow := color.New(color.FgYellow)
	for _, w := range warnings {
		_, _ = yellow.Fprintf(os.Stdout, "⚠️  %s\n", w)
	}

	if invalid > 0 {
		return fmt.Errorf("%d invalid restriction(s) in %s", invalid, path)
	}
	_, _ = fmt.Fprintf(os.Stdout, "✅ %d restriction(s) in %s, %d warning(s)\n", len(records), path, len(warnings))
	return nil
}

// findUnknownKeys reports keys in the file that no setting reads
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	defaults := viper.New()
	config.SetDefaults(defaults)
	valid := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		valid[key] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  timezone", cfg.Policy.Timezone, defaultCfg.Policy.Timezone, yellow, green)
	dumpField("  poll_interval", cfg.Policy.PollInterval, defaultCfg.Policy.PollInterval, yellow, green)
	dumpField("  restriction_cache_size", cfg.Policy.RestrictionCacheSize, defaultCfg.Policy.RestrictionCacheSize, yellow, green)
	dumpField("  restriction_cache_ttl", cfg.Policy.RestrictionCacheTTL, defaultCfg.Policy.RestrictionCacheTTL, yellow, green)

	_, _ = cyan.Println("\n[usage_tracking]")
	dumpField("  persist_retry_interval", cfg.Usage.PersistRetryInterval, defaultCfg.Usage.PersistRetryInterval, yellow, green)

	_, _ = cyan.Println("\n[crisis]")
	dumpField("  default_duration", cfg.Crisis.DefaultDuration, defaultCfg.Crisis.DefaultDuration, yellow, green)
	dumpField("  max_duration", cfg.Crisis.MaxDuration, defaultCfg.Crisis.MaxDuration, yellow, green)

	_, _ = cyan.Println("\n[approval]")
	dumpField("  request_timeout", cfg.Approval.RequestTimeout, defaultCfg.Approval.RequestTimeout, yellow, green)
	dumpField("  default_grant", cfg.Approval.DefaultGrant, defaultCfg.Approval.DefaultGrant, yellow, green)
	dumpField("  sweep_interval", cfg.Approval.SweepInterval, defaultCfg.Approval.SweepInterval, yellow, green)
	dumpField("  outbox_poll_interval", cfg.Approval.OutboxPollInterval, defaultCfg.Approval.OutboxPollInterval, yellow, green)
	dumpField("  event_buffer", cfg.Approval.EventBuffer, defaultCfg.Approval.EventBuffer, yellow, green)

	_, _ = cyan.Println("\n[bridge]")
	dumpField("  socket_path", cfg.Bridge.SocketPath, defaultCfg.Bridge.SocketPath, yellow, green)

	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)
}

func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %v\n", name, value)
		return
	}
	_, _ = modifiedColor.Printf("%s = %v", name, value)
	fmt.Printf(" (default: %v)\n", defaultValue)
}

func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "********"
}
