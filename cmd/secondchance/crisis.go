package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/bridge"
	"github.com/goodtune/secondchance/internal/config"
	"github.com/spf13/cobra"
)

var crisisMinutes int

var crisisCmd = &cobra.Command{
	Use:   "crisis",
	Short: "Crisis override controls",
}

var crisisEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Lift all restrictions for a while",
	Long: `Enable the crisis override on the running engine. Every app is allowed until
the override expires. No approval is needed.`,
	Args: cobra.NoArgs,
	RunE: runCrisisEnable,
}

var crisisHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past crisis activations",
	Args:  cobra.NoArgs,
	RunE:  runCrisisHistory,
}

func init() {
	crisisEnableCmd.Flags().IntVar(&crisisMinutes, "minutes", 0, "Override length in minutes (default from crisis.default_duration)")

	crisisCmd.AddCommand(crisisEnableCmd)
	crisisCmd.AddCommand(crisisHistoryCmd)
	rootCmd.AddCommand(crisisCmd)
}

func runCrisisEnable(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loc, err := cfg.Policy.Location()
	if err != nil {
		loc = time.Local
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, cfg.Bridge.SocketPath)
	if err != nil {
		return fmt.Errorf("is the engine running? %w", err)
	}
	defer client.Close()

	reply, err := client.Request(ctx, bridge.Message{
		Type:    bridge.TypeCrisis,
		Minutes: crisisMinutes,
		Source:  "cli",
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	if reply.ExpiresAt != nil {
		_, _ = green.Printf("Crisis override active until %s\n", reply.ExpiresAt.In(loc).Format("2006-01-02 15:04"))
	} else {
		_, _ = green.Println("Crisis override active")
	}
	return nil
}

func runCrisisHistory(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := env.store.CrisisAudit().List(context.Background())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No crisis activations recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTIVATED\tEXPIRES\tMINUTES\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			e.ActivatedAt.In(env.location).Format("2006-01-02 15:04"),
			e.ExpiresAt.In(env.location).Format("2006-01-02 15:04"),
			e.Minutes, e.Source)
	}
	return w.Flush()
}
