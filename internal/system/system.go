// Package system samples the host the orchestrator runs on. The snapshot
// feeds the health endpoint and the low-disk alert check; observatory
// computers are small single-board machines, so disk and memory pressure are
// real operational concerns.
package system

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one reading of the host.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	UptimeSec     uint64    `json:"uptimeSec"`
	Load1         float64   `json:"load1"`
	Load5         float64   `json:"load5"`
	Load15        float64   `json:"load15"`
	MemoryUsedPct float64   `json:"memoryUsedPct"`
	MemoryTotalMB uint64    `json:"memoryTotalMb"`
	DiskUsedPct   float64   `json:"diskUsedPct"`
	DiskFreeGB    float64   `json:"diskFreeGb"`
	Timestamp     time.Time `json:"timestamp"`
}

// Collector samples the host. The data directory is the partition that
// matters; session logs and the object database live there.
type Collector struct {
	dataDir string
}

func NewCollector(dataDir string) *Collector {
	if dataDir == "" {
		dataDir = "/"
	}
	return &Collector{dataDir: dataDir}
}

// Collect gathers a snapshot. Individual probe failures leave their fields
// zero rather than failing the whole snapshot; a health endpoint that errors
// out under pressure is useless.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.UptimeSec = info.Uptime
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedPct = vm.UsedPercent
		snap.MemoryTotalMB = vm.Total / (1024 * 1024)
	}
	if du, err := disk.UsageWithContext(ctx, c.dataDir); err == nil {
		snap.DiskUsedPct = du.UsedPercent
		snap.DiskFreeGB = float64(du.Free) / (1024 * 1024 * 1024)
	}
	return snap
}

// LowDisk reports whether free space on the data partition has dropped under
// the given number of gigabytes.
func (c *Collector) LowDisk(ctx context.Context, minFreeGB float64) bool {
	du, err := disk.UsageWithContext(ctx, c.dataDir)
	if err != nil {
		return false
	}
	return float64(du.Free)/(1024*1024*1024) < minFreeGB
}
