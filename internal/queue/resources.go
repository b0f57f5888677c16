package queue

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceLimits are the utilization ceilings above which the scheduler
// stops starting new downloads.
type ResourceLimits struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	MaxDiskPercent   float64
}

// ResourceChecker samples host utilization.
type ResourceChecker struct {
	limits  ResourceLimits
	diskDir string
}

// NewResourceChecker checks disk usage of |diskDir| (the download
// directory) against the limits.
func NewResourceChecker(limits ResourceLimits, diskDir string) *ResourceChecker {
	return &ResourceChecker{limits: limits, diskDir: diskDir}
}

// Constrained reports whether any resource is over its ceiling, and which.
// Sampling errors are reported as unconstrained: a broken gauge should not
// halt downloads.
func (c *ResourceChecker) Constrained(ctx context.Context) (bool, string) {
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		if pcts[0] > c.limits.MaxCPUPercent {
			return true, fmt.Sprintf("cpu %.1f%% > %.0f%%", pcts[0], c.limits.MaxCPUPercent)
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		if vm.UsedPercent > c.limits.MaxMemoryPercent {
			return true, fmt.Sprintf("memory %.1f%% > %.0f%%", vm.UsedPercent, c.limits.MaxMemoryPercent)
		}
	}
	if du, err := disk.UsageWithContext(ctx, c.diskDir); err == nil {
		if du.UsedPercent > c.limits.MaxDiskPercent {
			return true, fmt.Sprintf("disk %.1f%% > %.0f%%", du.UsedPercent, c.limits.MaxDiskPercent)
		}
	}
	return false, ""
}
