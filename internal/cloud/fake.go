package cloud

import (
	"context"
	"sync"

	"github.com/cloudtether/tether/internal/core"
)

// FakeFacts is an in-memory facts client for tests. Zero value reports a
// healthy running target with all permissions granted.
type FakeFacts struct {
	mu sync.Mutex

	State        core.InstanceState
	Registration core.AgentRegistration
	Denied       map[string]bool
	Network      core.NetworkConfig

	// Err, when set, is returned by every describe call.
	Err error

	// StartInstanceErr and RestartAgentErr fail the respective mutations.
	StartInstanceErr error
	RestartAgentErr  error

	// StartInstanceCalled and RestartAgentCalled count mutations.
	StartInstanceCalled int
	RestartAgentCalled  int

	// OnStartInstance runs inside StartInstance with the lock held; mutate
	// fields directly, not through the Set helpers.
	OnStartInstance func(f *FakeFacts)
	OnRestartAgent  func(f *FakeFacts)
}

// NewHealthyFakeFacts returns a fake describing a fully healthy target.
func NewHealthyFakeFacts() *FakeFacts {
	return &FakeFacts{
		State:        core.InstanceRunning,
		Registration: core.AgentRegistration{Registered: true, Version: "3.2.1"},
		Network: core.NetworkConfig{
			EndpointExists:       true,
			EndpointPolicyOpen:   true,
			RouteTableConfigured: true,
			SecurityRulesAllow:   true,
			NameResolutionWorks:  true,
		},
	}
}

func (f *FakeFacts) DescribeInstanceState(_ context.Context, _ string) (core.InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return core.InstanceUnknown, f.Err
	}
	if f.State == "" {
		return core.InstanceRunning, nil
	}
	return f.State, nil
}

func (f *FakeFacts) DescribeAgentRegistration(_ context.Context, _ string) (core.AgentRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return core.AgentRegistration{}, f.Err
	}
	return f.Registration, nil
}

func (f *FakeFacts) DescribePermissions(_ context.Context, _ string, actions []string) ([]core.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	grants := make([]core.PermissionGrant, 0, len(actions))
	for _, a := range actions {
		grants = append(grants, core.PermissionGrant{Action: a, Allowed: !f.Denied[a]})
	}
	return grants, nil
}

func (f *FakeFacts) DescribeNetworkConfig(_ context.Context, _ string) (core.NetworkConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return core.NetworkConfig{}, f.Err
	}
	return f.Network, nil
}

func (f *FakeFacts) StartInstance(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartInstanceCalled++
	if f.StartInstanceErr != nil {
		return f.StartInstanceErr
	}
	if f.OnStartInstance != nil {
		f.OnStartInstance(f)
	}
	return nil
}

func (f *FakeFacts) RestartAgent(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RestartAgentCalled++
	if f.RestartAgentErr != nil {
		return f.RestartAgentErr
	}
	if f.OnRestartAgent != nil {
		f.OnRestartAgent(f)
	}
	return nil
}

// SetRegistration replaces the registration facts under the lock.
func (f *FakeFacts) SetRegistration(reg core.AgentRegistration) {
	f.mu.Lock()
	f.Registration = reg
	f.mu.Unlock()
}

// SetState replaces the instance state under the lock.
func (f *FakeFacts) SetState(s core.InstanceState) {
	f.mu.Lock()
	f.State = s
	f.mu.Unlock()
}

var _ core.FactsClient = (*FakeFacts)(nil)
