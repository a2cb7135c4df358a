package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	checkAbortOnCritical bool
	checkJSON            bool
)

var checkCmd = &cobra.Command{
	Use:   "check <target>",
	Short: "Run the staged preventive check pipeline",
	Long: `Check walks the diagnostic stages in order (instance state, agent
registration, permissions, network path), reporting progress per stage.
With --abort-on-critical the pipeline halts at the first critical finding
and the returned likelihood covers only the stages that ran.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkAbortOnCritical, "abort-on-critical", false,
		"halt the pipeline on the first critical finding")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "emit raw JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkAbortOnCritical {
		appConfig.Diag.AbortOnCritical = true
	}
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	targetID, err := svc.ResolveTarget(args[0])
	if err != nil {
		return err
	}

	result := svc.Preventive.Run(cmd.Context(), targetID)
	if checkJSON {
		return printJSON(result)
	}

	fmt.Printf("Preventive check for %s: %s (%d/%d stages)\n",
		targetID, result.Status, result.StagesRun, result.StagesTotal)
	printFindings(result.Findings)
	printLikelihood(result.Likelihood)
	if result.Partial {
		fmt.Println("Partial run: treat the likelihood as pessimistic.")
	}

	if len(result.Commands) > 0 {
		fmt.Println("\nSuggested follow-up:")
		for _, c := range result.Commands {
			fmt.Printf("  %s\n", c)
		}
	}
	for kind, text := range result.Troubleshooting {
		fmt.Printf("\n[%s] %s\n", kind, text)
	}
	return nil
}
