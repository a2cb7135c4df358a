package cmd

import (
	"fmt"
	"strings"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/service"
)

// buildService assembles the full component stack from the loaded config.
func buildService() (*service.Service, error) {
	return service.New(appConfig, appLogger.Logger, service.Options{})
}

// printFindings renders a finding list grouped the way diagnostics sorts
// them, one line per finding with its recommendation indented below.
func printFindings(findings []core.Finding) {
	for _, f := range findings {
		marker := "✓"
		switch f.Severity {
		case core.SeverityWarning:
			marker = "!"
		case core.SeverityError:
			marker = "✗"
		case core.SeverityCritical:
			marker = "✗✗"
		}
		if f.Skipped {
			marker = "-"
		}
		fmt.Printf("  %-2s [%s] %s\n", marker, f.Check, f.Message)
		if f.Recommendation != "" && f.Severity >= core.SeverityWarning {
			fmt.Printf("       → %s\n", f.Recommendation)
		}
	}
}

func printLikelihood(l core.Likelihood) {
	fmt.Printf("\nConnection likelihood: %d%% (%s)\n", l.Percentage, strings.ReplaceAll(string(l.Band), "_", " "))
}
