package core

import "time"

// InstanceState is the lifecycle state of a target node as reported by the
// cloud provider.
type InstanceState string

const (
	InstanceRunning  InstanceState = "running"
	InstancePending  InstanceState = "pending"
	InstanceStopping InstanceState = "stopping"
	InstanceStopped  InstanceState = "stopped"
	InstanceUnknown  InstanceState = "unknown"
)

// AgentRegistration describes whether the remote-access agent on a target is
// registered with the session broker, and how fresh its last ping is.
type AgentRegistration struct {
	Registered bool      `json:"registered"`
	LastPing   time.Time `json:"last_ping,omitempty"`
	Version    string    `json:"version,omitempty"`
}

// PermissionGrant reports a single required action and whether it is allowed.
type PermissionGrant struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
}

// DefaultRequiredActions is the canonical action set checked by the
// permission diagnostic. One finding is produced per missing action.
func DefaultRequiredActions() []string {
	return []string{
		"broker:DescribeInstanceInformation",
		"broker:GetConnectionStatus",
		"broker:StartSession",
		"broker:TerminateSession",
		"broker:SendCommand",
		"broker:ListCommands",
		"broker:ListCommandInvocations",
	}
}

// NetworkConfig is the point-in-time network facts of a target used by the
// network-path check.
type NetworkConfig struct {
	EndpointExists       bool `json:"endpoint_exists"`
	EndpointPolicyOpen   bool `json:"endpoint_policy_open"`
	RouteTableConfigured bool `json:"route_table_configured"`
	SecurityRulesAllow   bool `json:"security_rules_allow"`
	NameResolutionWorks  bool `json:"name_resolution_works"`
}
