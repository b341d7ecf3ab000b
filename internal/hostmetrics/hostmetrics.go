// Package hostmetrics collects host resource utilization for keepalive and
// daemonState heartbeat enrichment.
//
// Finishes the TODO the teacher left in agent/internal/metrics: that package
// returned zero values until gopsutil was wired in. Here it is.
package hostmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time host resource reading. Percentages are 0-100.
type Snapshot struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	DiskPercent float64 `json:"diskPercent"`
}

// DiskPath is the filesystem path sampled for DiskPercent. Overridable in
// tests; a daemon normally cares about the volume its working directories
// live on.
var DiskPath = "/"

// Collect returns a snapshot of current host resource usage. cpuSampleWindow
// bounds how long the CPU percent call blocks measuring over an interval;
// pass 0 for a non-blocking instantaneous read against the prior call. A
// context that is already done yields a zero Snapshot.
func Collect(ctx context.Context, cpuSampleWindow time.Duration) Snapshot {
	var snap Snapshot
	if ctx.Err() != nil {
		return snap
	}

	if pcts, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, DiskPath); err == nil && du != nil {
		snap.DiskPercent = du.UsedPercent
	}
	return snap
}
