package usecase

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"torrentgate/internal/metrics"
)

const defaultReaperInterval = 15 * time.Minute

// Reaper runs the eviction policy on a fixed cadence, independent of
// request traffic.
type Reaper struct {
	Controller *AdmissionController
	Logger     *slog.Logger
	Interval   time.Duration
	OnTick     func(EvictionReport)
}

func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultReaperInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one eviction pass and logs a summary.
func (r Reaper) Tick(ctx context.Context) EvictionReport {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	report := r.Controller.Evict(ctx)
	metrics.ReaperRunsTotal.Inc()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	level := slog.LevelDebug
	if report.Removed() > 0 || report.Pruned > 0 {
		level = slog.LevelInfo
	}
	logger.LogAttrs(ctx, level, "reaper: pass complete",
		slog.Int("overflow", len(report.Overflow)),
		slog.Int("expired", len(report.Expired)),
		slog.Int("pruned", report.Pruned),
		slog.Int("live", report.Live),
		slog.Int("tracked", report.Tracked),
		slog.Uint64("heapAllocBytes", mem.HeapAlloc),
		slog.Uint64("sysBytes", mem.Sys),
	)

	if r.OnTick != nil {
		r.OnTick(report)
	}
	return report
}
