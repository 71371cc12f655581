package worker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// LocalResources is a point-in-time sample of this machine's memory,
// CPU, and disk utilization (spec §4.3 "local resources pass the
// admission check").
type LocalResources struct {
	MemoryPercent float64
	CPUPercent    float64
	FreeDiskGB    float64
}

// SampleLocalResources reads current utilization via gopsutil.
// diskPath is typically the scratch directory's filesystem.
func SampleLocalResources(ctx context.Context, diskPath string) (LocalResources, error) {
	var r LocalResources

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemoryPercent = vm.UsedPercent
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if pct, err := cpu.PercentWithContext(cctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		r.FreeDiskGB = bytesToGB(du.Free)
	}

	return r, nil
}

// Admit reports whether r passes limits (spec §4.3 "admission check");
// a worker that fails admission simply skips polling this tick, which
// manifests on the wire as the worker not calling /jobs/next at all
// (spec §7 "ResourceExhausted ... not an error on the wire").
func Admit(r LocalResources, limits ResourceLimits) bool {
	if limits.MaxMemoryPercent > 0 && r.MemoryPercent > limits.MaxMemoryPercent {
		return false
	}
	if limits.MaxCPUPercent > 0 && r.CPUPercent > limits.MaxCPUPercent {
		return false
	}
	if limits.MinFreeDiskGB > 0 && r.FreeDiskGB < limits.MinFreeDiskGB {
		return false
	}
	return true
}
