package metrics

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	childCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised child, sampled on healthy checks.",
		}, []string{"name"},
	)
	childRSSBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "child",
			Name:      "rss_bytes",
			Help:      "Resident memory of the supervised child, sampled on healthy checks.",
		}, []string{"name"},
	)
)

// ChildSample is one resource reading of the supervised child.
type ChildSample struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
	NumThreads int32   `json:"num_threads"`
}

// ReadChild reads CPU and memory usage for pid.
func ReadChild(pid int) (ChildSample, error) {
	if pid <= 0 {
		return ChildSample{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ChildSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ChildSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	return ChildSample{PID: int32(pid), CPUPercent: cpuPercent, RSS: memInfo.RSS, NumThreads: numThreads}, nil
}

// SampleChild records the child's resource usage. Failures are logged at
// debug level; the child may have exited between the probe and the read.
func SampleChild(name string, pid int) {
	if !regOK.Load() {
		return
	}
	s, err := ReadChild(pid)
	if err != nil {
		slog.Debug("Failed to sample child", "name", name, "pid", pid, "error", err)
		return
	}
	childCPUPercent.WithLabelValues(name).Set(s.CPUPercent)
	childRSSBytes.WithLabelValues(name).Set(float64(s.RSS))
}
