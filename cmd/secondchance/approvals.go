package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/secondchance/internal/approval"
	"github.com/goodtune/secondchance/internal/bridge"
	"github.com/goodtune/secondchance/internal/config"
	"github.com/spf13/cobra"
)

var approvalMinutes int

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide access requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending access requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsDecideCmd = &cobra.Command{
	Use:   "decide REQUEST_ID approve|deny",
	Short: "Approve or deny a pending request",
	Long: `Send a decision to the running engine over the bridge socket. Grants live in
the engine, so the engine must be running.`,
	Example: `  secondchance approvals decide 7c0e... approve --minutes 30
  secondchance approvals decide 7c0e... deny`,
	Args: cobra.ExactArgs(2),
	RunE: runApprovalsDecide,
}

func init() {
	approvalsDecideCmd.Flags().IntVar(&approvalMinutes, "minutes", 0, "Grant length in minutes (default from approval.default_grant)")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsDecideCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.Close()

	pending, err := env.store.Approvals().ListPending(context.Background())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending requests")
		return nil
	}

	timeout := config.ParseDuration(env.cfg.Approval.RequestTimeout, 0)
	yellow := color.New(color.FgYellow)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tREQUESTED\tAGE\tREASON")
	for _, req := range pending {
		age := time.Since(req.RequestedAt).Round(time.Second)
		ageStr := age.String()
		if timeout > 0 && age > timeout {
			ageStr = yellow.Sprint(ageStr + " (stale)")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.AppID, req.RequestedAt.In(env.location).Format("2006-01-02 15:04"), ageStr, req.Reason)
	}
	return w.Flush()
}

func runApprovalsDecide(cmd *cobra.Command, args []string) error {
	decision, err := approval.ParseDecision(args[1])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := bridge.Dial(ctx, cfg.Bridge.SocketPath)
	if err != nil {
		return fmt.Errorf("is the engine running? %w", err)
	}
	defer client.Close()

	reply, err := client.Request(ctx, bridge.Message{
		Type:         bridge.TypeApprovalDecision,
		RequestID:    args[0],
		Decision:     string(decision),
		GrantMinutes: approvalMinutes,
	})
	if err != nil {
		if reply.Status != "" {
			return fmt.Errorf("request %s is %s: %w", args[0], reply.Status, err)
		}
		return err
	}

	if decision == approval.Approve {
		_, _ = color.New(color.FgGreen, color.Bold).Printf("✓ Approved %s", reply.AppID)
		if reply.ExpiresAt != nil {
			loc, err := cfg.Policy.Location()
			if err != nil {
				loc = time.Local
			}
			fmt.Printf(" until %s", reply.ExpiresAt.In(loc).Format("15:04"))
		}
		fmt.Println()
		return nil
	}
	_, _ = color.New(color.FgRed, color.Bold).Printf("✗ Denied %s\n", reply.AppID)
	return nil
}
