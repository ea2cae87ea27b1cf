package schedule

import (
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics is the host memory picture reported with the scheduler state
type SystemMetrics struct {
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// memoryStats is replaced in tests
var memoryStats = func() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

// CurrentSystemMetrics samples host memory. Zero values mean unavailable.
func CurrentSystemMetrics() SystemMetrics {
	total, available, err := memoryStats()
	if err != nil || total == 0 {
		return SystemMetrics{}
	}
	used := total - available
	return SystemMetrics{
		MemoryTotalGB: float64(total) / bytesPerGB,
		MemoryUsedGB:  float64(used) / bytesPerGB,
		MemoryPercent: float64(used) / float64(total) * 100,
	}
}
