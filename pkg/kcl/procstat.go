package kcl

import (
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/modoterra/kclbridge/pkg/core"
)

func readProcStats(pid int) (core.ProcessStats, error) {
	stats := core.ProcessStats{PID: pid}

	proc, err := procfs.NewProc(pid)
	if err != nil {
		return stats, fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return stats, fmt.Errorf("read stat: %w", err)
	}

	stats.CPUTicks = uint64(stat.UTime + stat.STime)
	stats.RSSBytes = uint64(stat.ResidentMemory())
	stats.Threads = stat.NumThreads
	return stats, nil
}
