package autofix

import (
	"fmt"
	"sort"

	"github.com/cloudtether/tether/internal/core"
)

// SuggestPermissionFixes turns missing-permission findings into ordered
// manual steps. Identity policy is never changed automatically.
func SuggestPermissionFixes(findings []core.Finding) []string {
	var actions []string
	for _, f := range findings {
		if f.Check == core.CheckPermissions && f.Permission != "" {
			actions = append(actions, f.Permission)
		}
	}
	if len(actions) == 0 {
		return nil
	}
	sort.Strings(actions)

	steps := []string{
		"Identify the policy attached to the calling principal",
	}
	for _, a := range actions {
		steps = append(steps, fmt.Sprintf("Add an Allow statement for %s scoped to the target", a))
	}
	steps = append(steps,
		"Apply the updated policy and wait for propagation",
		"Re-run diagnostics to confirm the permissions check passes",
	)
	return steps
}

// SuggestNetworkFixes turns network-path findings into ordered manual steps,
// following the walk order so upstream breaks are fixed first.
func SuggestNetworkFixes(findings []core.Finding) []string {
	byStep := make(map[core.NetworkStep]core.Finding)
	for _, f := range findings {
		if f.Check == core.CheckNetworkPath && f.Step != "" {
			byStep[f.Step] = f
		}
	}
	if len(byStep) == 0 {
		return nil
	}

	var steps []string
	for _, step := range core.NetworkSteps() {
		f, ok := byStep[step]
		if !ok {
			continue
		}
		steps = append(steps, f.Recommendation)
	}
	steps = append(steps, "Re-run diagnostics to confirm the network path is clear")
	return steps
}
