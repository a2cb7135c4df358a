package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/autofix"
	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
)

var (
	fixCheck    string
	fixApproved bool
	fixJSON     bool
)

var fixCmd = &cobra.Command{
	Use:   "fix <target>",
	Short: "Remediate a diagnosed failure on a target",
	Long: `Fix runs the remediation for one diagnostic check. Instance starts and
agent restarts execute directly (instance starts need --yes unless
autofix.unattended is set); permission and network findings produce
ordered manual steps, never automatic policy changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runFix,
}

func init() {
	fixCmd.Flags().StringVar(&fixCheck, "check", "instance_state",
		"check to remediate (instance_state, agent_registration, permissions, network_path)")
	fixCmd.Flags().BoolVarP(&fixApproved, "yes", "y", false,
		"approve actions that are gated by default")
	fixCmd.Flags().BoolVar(&fixJSON, "json", false, "emit raw JSON")
	rootCmd.AddCommand(fixCmd)
}

func runFix(cmd *cobra.Command, args []string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	targetID, err := svc.ResolveTarget(args[0])
	if err != nil {
		return err
	}

	// Show wait progress while a fix polls for effect.
	progress := svc.Bus.Subscribe(events.TypeWaitProgress)
	defer svc.Bus.Unsubscribe(progress)
	go func() {
		for e := range progress {
			if wp, ok := e.(events.WaitProgressEvent); ok && !quiet && !fixJSON {
				fmt.Printf("\r  waiting for agent registration... %ds/%ds (%d checks)",
					wp.ElapsedSeconds, wp.MaxSeconds, wp.CheckCount)
			}
		}
	}()

	var attempt *autofix.Attempt
	switch core.CheckKind(fixCheck) {
	case core.CheckInstanceState:
		attempt, err = svc.Fixer.FixInstanceState(cmd.Context(), targetID, fixApproved)
	case core.CheckAgentRegistration:
		attempt, err = svc.Fixer.FixAgent(cmd.Context(), targetID)
	case core.CheckPermissions:
		var findings []core.Finding
		findings, err = svc.Diag.RunCheck(cmd.Context(), core.CheckPermissions, targetID)
		if err == nil {
			attempt = svc.Fixer.SuggestPermissions(targetID, findings)
		}
	case core.CheckNetworkPath:
		var findings []core.Finding
		findings, err = svc.Diag.RunCheck(cmd.Context(), core.CheckNetworkPath, targetID)
		if err == nil {
			attempt = svc.Fixer.SuggestNetwork(targetID, findings)
		}
	default:
		return core.ErrValidation("UNKNOWN_CHECK", fmt.Sprintf("no fix for check %q", fixCheck))
	}
	if err != nil {
		return err
	}
	if !fixJSON && !quiet {
		fmt.Println()
	}

	if fixJSON {
		return printJSON(attempt)
	}
	printAttempt(attempt)
	return nil
}

func printAttempt(a *autofix.Attempt) {
	fmt.Printf("Fix %s on %s: %s\n", a.Fix, a.TargetID, a.State)
	if a.Message != "" {
		fmt.Printf("  %s\n", a.Message)
	}
	if a.Waited > 0 {
		fmt.Printf("  waited %s for effect\n", a.Waited)
	}
	if len(a.Steps) > 0 {
		fmt.Println("  Steps:")
		for i, s := range a.Steps {
			fmt.Printf("    %d. %s\n", i+1, s)
		}
	}
	if len(a.Recommendations) > 0 {
		fmt.Println("  Troubleshooting:")
		for _, r := range a.Recommendations {
			fmt.Printf("    - %s\n", r)
		}
	}
}
