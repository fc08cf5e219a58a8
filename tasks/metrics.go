package tasks

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics reports worker pool saturation and host memory headroom for
// status surfaces.
type SystemMetrics struct {
	WorkersTotal  int     `json:"workers_total"`
	QueueDepth    int     `json:"queue_depth"`
	Busy          bool    `json:"busy"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// SystemMetrics returns a snapshot of the group's load and host memory.
// Memory stats degrade to zero when the platform query fails.
func (g *Group) SystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersTotal: g.workers,
		QueueDepth:   g.queue.Len(),
		Busy:         g.IsBusy(),
	}

	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		const gb = 1024 * 1024 * 1024
		m.MemoryTotalGB = float64(v.Total) / gb
		m.MemoryUsedGB = float64(v.Total-v.Available) / gb
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}

	return m
}
