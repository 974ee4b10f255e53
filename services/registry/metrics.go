package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Download result labels.
const (
	resultTransferred = "transferred"
	resultNotModified = "not_modified"
	resultNotFound    = "not_found"
	resultError       = "error"
	resultOK          = "ok"
	resultRejected    = "rejected"
)

type metrics struct {
	registry     *prometheus.Registry
	downloads    *prometheus.CounterVec
	bytesSent    prometheus.Counter
	packDuration prometheus.Histogram
	uploads      *prometheus.CounterVec
	deletes      *prometheus.CounterVec
	reconciles   *prometheus.CounterVec
	tasks        prometheus.Gauge
}

// newMetrics registers collectors on a private registry so several servers
// can live in one process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deploy",
				Subsystem: "registry",
				Name:      "downloads_total",
				Help:      "Download requests by outcome.",
			},
			[]string{"result"},
		),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploy",
			Subsystem: "registry",
			Name:      "archive_bytes_sent_total",
			Help:      "Archive bytes sent in 200 download responses.",
		}),
		packDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deploy",
			Subsystem: "registry",
			Name:      "pack_duration_seconds",
			Help:      "Time spent packing a bundle for download.",
			Buckets:   prometheus.DefBuckets,
		}),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deploy",
				Subsystem: "registry",
				Name:      "uploads_total",
				Help:      "Upload requests by outcome.",
			},
			[]string{"result"},
		),
		deletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deploy",
				Subsystem: "registry",
				Name:      "deletes_total",
				Help:      "Delete requests by outcome.",
			},
			[]string{"result"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deploy",
				Subsystem: "registry",
				Name:      "reconcile_changes_total",
				Help:      "Registry records changed by reconcile, by kind.",
			},
			[]string{"kind"},
		),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploy",
			Subsystem: "registry",
			Name:      "tasks",
			Help:      "Tasks known after the last reconcile.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.downloads,
		m.bytesSent,
		m.packDuration,
		m.uploads,
		m.deletes,
		m.reconciles,
		m.tasks,
	)
	return m
}
