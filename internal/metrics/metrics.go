package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	AdmittedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "admitted_sessions",
		Help:      "Number of admitted sessions, pending ones included.",
	})

	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "admissions_total",
		Help:      "Admission attempts by outcome.",
	}, []string{"outcome"})

	AdmissionResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "admission_resolve_seconds",
		Help:      "Time from admission to metadata resolution.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "evictions_total",
		Help:      "Sessions removed by the eviction policy, by reason.",
	}, []string{"reason"})

	ReaperRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "reaper_runs_total",
		Help:      "Total number of reaper ticks.",
	})

	StreamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "stream_bytes_total",
		Help:      "Bytes written to streaming clients.",
	})

	StreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "stream_errors_total",
		Help:      "Streaming read failures by stage (before_headers, mid_stream).",
	}, []string{"stage"})

	ExportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "exports_total",
		Help:      "Archive exports by outcome.",
	}, []string{"outcome"})

	ExportSkippedFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "export_skipped_files_total",
		Help:      "Files skipped during archive export because they could not be read.",
	})

	DescriptorFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "descriptor_fetches_total",
		Help:      "Remote .torrent fetches by outcome (ok, cached, error).",
	}, []string{"outcome"})

	JournalDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "journal_dropped_total",
		Help:      "Session events dropped because the journal queue was full.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmittedSessions,
		AdmissionsTotal,
		AdmissionResolveDuration,
		EvictionsTotal,
		ReaperRunsTotal,
		StreamBytesTotal,
		StreamErrorsTotal,
		ExportsTotal,
		ExportSkippedFilesTotal,
		DescriptorFetchesTotal,
		JournalDroppedTotal,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
	)
}
