package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/core"
)

var (
	diagnoseCheck string
	diagnoseJSON  bool
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <target>",
	Short: "Run connectivity diagnostics against a target",
	Long: `Diagnose evaluates why a target may refuse broker sessions: instance
lifecycle state, agent registration, caller permissions, and the network
path to the broker endpoint. Findings are scored into a connection
likelihood.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiagnose,
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseCheck, "check", "",
		"run a single check (instance_state, agent_registration, permissions, network_path)")
	diagnoseCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "emit raw JSON")
	rootCmd.AddCommand(diagnoseCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	targetID, err := svc.ResolveTarget(args[0])
	if err != nil {
		return err
	}

	if diagnoseCheck != "" {
		findings, err := svc.Diag.RunCheck(cmd.Context(), core.CheckKind(diagnoseCheck), targetID)
		if err != nil {
			return err
		}
		if diagnoseJSON {
			return printJSON(findings)
		}
		fmt.Printf("Check %s on %s:\n", diagnoseCheck, targetID)
		printFindings(findings)
		return nil
	}

	report := svc.Diag.RunFull(cmd.Context(), targetID)
	if diagnoseJSON {
		return printJSON(report)
	}

	fmt.Printf("Diagnostics for %s (%s):\n", targetID, report.Duration.Round(time.Millisecond))
	printFindings(report.Findings)
	if len(report.Skipped) > 0 {
		fmt.Printf("\n%d checks did not finish in time.\n", len(report.Skipped))
	}
	printLikelihood(report.Likelihood)
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
