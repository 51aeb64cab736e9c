package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nps"

var (
	// ScansTotal counts finished archive scans by result (ok, failed)
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "Total number of archive scans by result",
	}, []string{"result"})

	// ScanDuration observes how long an archive takes from stage to unstage
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Time taken to stage, scan and unstage an archive",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// PluginErrors counts plugin scans that returned an error or panicked
	PluginErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plugin_errors_total",
		Help:      "Total number of failed plugin scans",
	}, []string{"plugin"})

	// FindingsEmitted counts findings handed to the findings queue
	FindingsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_emitted_total",
		Help:      "Total number of findings emitted by plugins",
	}, []string{"plugin"})

	// FindingsPersisted counts findings by insert result (inserted, duplicate)
	FindingsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_persisted_total",
		Help:      "Total number of findings processed by the reporter",
	}, []string{"result"})

	// ItemsReaped counts abandoned leases released by the reaper
	ItemsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_reaped_total",
		Help:      "Total number of abandoned work items released by the reaper",
	}, []string{"queue"})

	// WorkerRestarts counts respawned worker processes
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Total number of worker processes respawned by the supervisor",
	}, []string{"role"})
)
