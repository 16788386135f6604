package system

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthReport summarises process and host state.
type HealthReport struct {
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsedPct float64   `json:"memory_used_percent"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	HeapAlloc     uint64    `json:"heap_alloc_bytes"`
	Services      []string  `json:"services"`
	Jobs          []JobInfo `json:"jobs,omitempty"`
}

// Health builds a HealthReport. Host metrics that cannot be read are left zero.
func Health(ctx context.Context, startedAt time.Time, manager *Manager, jobs *JobRunner) HealthReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := HealthReport{
		Status:        "ok",
		StartedAt:     startedAt.UTC(),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     ms.HeapAlloc,
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemoryUsedPct = vm.UsedPercent
		report.MemoryTotal = vm.Total
	}
	if manager != nil {
		report.Services = manager.Names()
	}
	if jobs != nil {
		report.Jobs = jobs.Jobs()
	}
	return report
}
