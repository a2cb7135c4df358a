package governor

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is a best-effort view of host-level resource pressure,
// distinct from the process usage the governor throttles on.
type HostSnapshot struct {
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`
	CPUPercent float64 `json:"cpu_percent"`
	NumCPUs    int     `json:"num_cpus"`
}

// CollectHost reads host memory and CPU. Fields that cannot be read stay
// zero; it never returns an error.
func CollectHost(ctx context.Context) HostSnapshot {
	var snap HostSnapshot
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
		snap.MemUsedMB = float64(vm.Used) / 1024 / 1024
		snap.MemPercent = vm.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.NumCPUs = n
	}
	return snap
}
