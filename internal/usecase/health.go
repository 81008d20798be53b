package usecase

import (
	"context"
	"runtime"
	"time"

	"torrentgate/internal/domain/ports"
)

type SessionCounts struct {
	Admitted int `json:"admitted"`
	Tracked  int `json:"tracked"`
	Engine   int `json:"engine"`
	Capacity int `json:"capacity"`
}

type MemoryStats struct {
	Sys        uint64 `json:"sys"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	NumGC      uint32 `json:"numGC"`
	Goroutines int    `json:"goroutines"`
}

type DiskUsage struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

// SystemSnapshot carries host metrics. Pointer and slice fields are nil when
// the platform cannot provide them.
type SystemSnapshot struct {
	Platform string     `json:"platform"`
	Arch     string     `json:"arch"`
	CPUs     int        `json:"cpus"`
	LoadAvg  []float64  `json:"loadAvg"`
	TotalMem *uint64    `json:"totalMem"`
	FreeMem  *uint64    `json:"freeMem"`
	Disk     *DiskUsage `json:"disk"`
}

type HealthReport struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Sessions      SessionCounts  `json:"sessions"`
	Memory        MemoryStats    `json:"memory"`
	System        SystemSnapshot `json:"system"`
}

type Health struct {
	Controller *AdmissionController
	Engine     ports.Engine
	DataDir    string
	Version    string
	StartedAt  time.Time
	Now        func() time.Time
}

func (uc Health) Execute(ctx context.Context) HealthReport {
	now := time.Now
	if uc.Now != nil {
		now = uc.Now
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := HealthReport{
		Status:        "ok",
		Version:       uc.Version,
		UptimeSeconds: int64(now().Sub(uc.StartedAt).Seconds()),
		Memory: MemoryStats{
			Sys:        mem.Sys,
			HeapAlloc:  mem.HeapAlloc,
			HeapInuse:  mem.HeapInuse,
			NumGC:      mem.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		System: SystemSnapshot{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
		},
	}

	if uc.Controller != nil {
		reg := uc.Controller.Registry()
		report.Sessions.Admitted = reg.Len()
		report.Sessions.Tracked = reg.Ledger().Len()
		report.Sessions.Capacity = uc.Controller.Capacity()
	}
	if uc.Engine != nil {
		report.Sessions.Engine = len(uc.Engine.List())
	}

	if host, ok := hostMemory(); ok {
		report.System.LoadAvg = host.loadAvg
		report.System.TotalMem = &host.total
		report.System.FreeMem = &host.free
	}
	if uc.DataDir != "" {
		if disk, err := diskUsage(uc.DataDir); err == nil {
			report.System.Disk = &disk
		}
	}
	return report
}

type hostMem struct {
	loadAvg []float64
	total   uint64
	free    uint64
}
