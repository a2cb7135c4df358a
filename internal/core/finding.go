package core

import "sort"

// Severity ranks a diagnostic finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CheckKind identifies a diagnostic check. The set is closed: dispatch over
// checks goes through one table keyed by kind rather than open polymorphism.
type CheckKind string

const (
	CheckInstanceState     CheckKind = "instance_state"
	CheckAgentRegistration CheckKind = "agent_registration"
	CheckPermissions       CheckKind = "permissions"
	CheckNetworkPath       CheckKind = "network_path"
)

// AllCheckKinds lists every check in pipeline order: instance state first,
// then agent registration, permissions, and network path.
func AllCheckKinds() []CheckKind {
	return []CheckKind{
		CheckInstanceState,
		CheckAgentRegistration,
		CheckPermissions,
		CheckNetworkPath,
	}
}

// NetworkStep names one step of the network-path walk. Every step is
// evaluated even after the first break so findings describe the full path.
type NetworkStep string

const (
	StepEndpointExists NetworkStep = "endpoint_exists"
	StepEndpointPolicy NetworkStep = "endpoint_policy"
	StepRouteTable     NetworkStep = "route_table"
	StepSecurityRules  NetworkStep = "security_rules"
	StepNameResolution NetworkStep = "name_resolution"
)

// NetworkSteps returns the walk order.
func NetworkSteps() []NetworkStep {
	return []NetworkStep{
		StepEndpointExists,
		StepEndpointPolicy,
		StepRouteTable,
		StepSecurityRules,
		StepNameResolution,
	}
}

// Finding is one structured result from a diagnostic check.
type Finding struct {
	Check          CheckKind `json:"check"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation,omitempty"`
	AutoFixable    bool      `json:"auto_fixable"`
	Skipped        bool      `json:"skipped,omitempty"`
	// Permission holds the missing action for permission findings; Step
	// holds the failed step for network-path findings.
	Permission string      `json:"permission,omitempty"`
	Step       NetworkStep `json:"step,omitempty"`
}

// SortFindings orders findings deterministically by check name, then
// severity (most severe first), then message. Diagnostic runs return the
// same order regardless of execution interleaving.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Check != findings[j].Check {
			return findings[i].Check < findings[j].Check
		}
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity > findings[j].Severity
		}
		return findings[i].Message < findings[j].Message
	})
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity present, or SeverityInfo for an
// empty set.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityInfo
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}
