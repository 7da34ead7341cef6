package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// RequestStats asks the engine loop behind intr for a stats snapshot and
// waits for the reply. It returns false when the interrupt could not be
// scheduled or ctx ended first.
func RequestStats(ctx context.Context, intr Interrupter) (RuntimeStats, bool) {
	if intr == nil {
		return RuntimeStats{}, false
	}
	reply := make(chan RuntimeStats, 1)
	if !intr.RequestInterrupt(func(rt Runtime) { reply <- rt.Stats() }) {
		return RuntimeStats{}, false
	}
	select {
	case s := <-reply:
		return s, true
	case <-ctx.Done():
		return RuntimeStats{}, false
	}
}

// ProcessStats describes one OS process.
type ProcessStats struct {
	PID      int32         `json:"pid"`
	CPUTime  time.Duration `json:"cpu_time_ns"`
	RSSBytes uint64        `json:"rss_bytes"`
}

// ProcessCPUTime returns user plus system CPU time consumed by pid.
func ProcessCPUTime(pid int32) (time.Duration, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	t, err := p.Times()
	if err != nil {
		return 0, fmt.Errorf("read cpu times for %d: %w", pid, err)
	}
	return time.Duration((t.User + t.System) * float64(time.Second)), nil
}

// SelfStats reports CPU time and resident memory of the current process.
func SelfStats() (ProcessStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("open self: %w", err)
	}
	cpu, err := ProcessCPUTime(pid)
	if err != nil {
		return ProcessStats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("read memory info: %w", err)
	}
	return ProcessStats{PID: pid, CPUTime: cpu, RSSBytes: mem.RSS}, nil
}
