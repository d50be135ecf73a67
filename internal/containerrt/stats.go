package containerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

// dockerStats mirrors the subset of the docker stats JSON response this
// package needs; decoded by hand rather than importing the full
// types.StatsJSON shape, since only memory/cpu/network fields are used.
type dockerStats struct {
	MemoryStats struct {
		Usage int64 `json:"usage"`
		Limit int64 `json:"limit"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage int64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage int64 `json:"system_cpu_usage"`
		OnlineCPUs     int64 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage int64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage int64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	Networks map[string]struct {
		RxBytes int64 `json:"rx_bytes"`
		TxBytes int64 `json:"tx_bytes"`
	} `json:"networks"`
}

// Stats is the point-in-time derived view spec.md §4.3/§4.6 describes.
type Stats struct {
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	MemoryPercent    float64
	CPUPercent       float64
	RxBytes          int64
	TxBytes          int64
}

// Stats polls the runtime's one-shot stats endpoint and derives
// memory%/cpu% from the usage/limit and delta-of-consecutive-snapshots
// formulas in spec.md §4.3.
func (m *Manager) Stats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := m.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stats{}, apierr.Wrap(apierr.Degraded, "failed to read container stats", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Stats{}, fmt.Errorf("read stats body: %w", err)
	}

	var raw dockerStats
	if err := json.Unmarshal(data, &raw); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}

	var s Stats
	s.MemoryUsageBytes = raw.MemoryStats.Usage
	s.MemoryLimitBytes = raw.MemoryStats.Limit
	if raw.MemoryStats.Limit > 0 {
		s.MemoryPercent = 100 * float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit)
	}

	cpuDelta := raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage
	systemDelta := raw.CPUStats.SystemCPUUsage - raw.PreCPUStats.SystemCPUUsage
	if systemDelta > 0 && cpuDelta > 0 {
		cpus := raw.CPUStats.OnlineCPUs
		if cpus == 0 {
			cpus = 1
		}
		s.CPUPercent = (float64(cpuDelta) / float64(systemDelta)) * float64(cpus) * 100
	}

	for _, n := range raw.Networks {
		s.RxBytes += n.RxBytes
		s.TxBytes += n.TxBytes
	}

	return s, nil
}

// Violation severities per spec.md §4.6 thresholds.
type Violation struct {
	Resource string `json:"resource"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Recommendations computes advisory strings from Stats per spec.md §4.6.
func Recommendations(s Stats) []string {
	var recs []string
	switch {
	case s.MemoryPercent > 80:
		recs = append(recs, "increase limit")
	case s.MemoryPercent < 20:
		recs = append(recs, "decrease limit")
	}
	if s.CPUPercent > 80 {
		recs = append(recs, "contention")
	}
	if s.RxBytes+s.TxBytes > 100*1024*1024 {
		recs = append(recs, "high network")
	}
	return recs
}

// Violations escalates memory/cpu thresholds to warning/critical per
// spec.md §4.6.
func Violations(s Stats) []Violation {
	var v []Violation
	switch {
	case s.MemoryPercent > 95:
		v = append(v, Violation{Resource: "memory", Severity: "critical", Message: "memory usage above 95%"})
	case s.MemoryPercent > 90:
		v = append(v, Violation{Resource: "memory", Severity: "warning", Message: "memory usage above 90%"})
	}
	if s.CPUPercent > 90 {
		v = append(v, Violation{Resource: "cpu", Severity: "warning", Message: "cpu usage above 90%"})
	}
	return v
}
