// Package metrics exposes snapshot outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "worldsnap"

// Recorder records the outcome of a run attempt.
type Recorder interface {
	ObserveRun(result *models.RunResult, err error)
}

// Impl keeps its collectors in a private registry.
type Impl struct {
	registry *prometheus.Registry

	snapshots       *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	deleted         *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	lastSuccess     prometheus.Gauge
	archiveBytes    prometheus.Gauge
	outputBytes     prometheus.Gauge
	cannotReclaim   prometheus.Gauge
	filesInSnapshot prometheus.Gauge

	maxArchives     prometheus.Gauge
	maxTotalBytes   prometheus.Gauge
	scheduleEnabled prometheus.Gauge
}

// New creates a recorder with a fresh registry.
func New(identity string) *Impl {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"identity": identity}
	f := promauto.With(reg)

	return &Impl{
		registry: reg,
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "snapshots_total",
			Help:        "Snapshot attempts by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "checks_skipped_total",
			Help:        "Due checks that did not start a snapshot, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "archives_deleted_total",
			Help:        "Archives removed by retention, by pass.",
			ConstLabels: labels,
		}, []string{"pass"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "snapshot_duration_seconds",
			Help:        "Wall time of successful snapshots.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		}, []string{"kind"}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_success_timestamp_seconds",
			Help:        "Unix time of the last successful snapshot.",
			ConstLabels: labels,
		}),
		archiveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_archive_size_bytes",
			Help:        "Size of the most recent archive.",
			ConstLabels: labels,
		}),
		outputBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "output_size_bytes",
			Help:        "Total size of all archives after the last snapshot.",
			ConstLabels: labels,
		}),
		cannotReclaim: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "size_cap_exceeded",
			Help:        "1 if the size cap could not be met with a single archive left.",
			ConstLabels: labels,
		}),
		filesInSnapshot: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_snapshot_files",
			Help:        "Files written into the most recent archive.",
			ConstLabels: labels,
		}),
		maxArchives: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "retention_max_archives",
			Help:        "Configured maximum number of archives.",
			ConstLabels: labels,
		}),
		maxTotalBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "retention_max_total_bytes",
			Help:        "Configured size cap of the output directory, 0 if unlimited.",
			ConstLabels: labels,
		}),
		scheduleEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "schedule_enabled",
			Help:        "1 if scheduled snapshots are enabled.",
			ConstLabels: labels,
		}),
	}
}

// ObserveConfig publishes the active retention limits and schedule toggle.
func (m *Impl) ObserveConfig(cfg models.BackupConfig) {
	m.maxArchives.Set(float64(cfg.Retention.MaxArchiveCount))
	m.maxTotalBytes.Set(float64(cfg.Retention.MaxTotalBytes))
	if cfg.Schedule.Enabled {
		m.scheduleEnabled.Set(1)
	} else {
		m.scheduleEnabled.Set(0)
	}
}

// ObserveRun implements Recorder.
func (m *Impl) ObserveRun(result *models.RunResult, err error) {
	if result == nil {
		m.snapshots.WithLabelValues("unknown", "failed").Inc()
		return
	}
	if result.Skipped {
		m.skipped.WithLabelValues(result.SkipReason).Inc()
		return
	}

	kind := result.Plan.Kind()
	if err != nil || result.Archive == nil {
		m.snapshots.WithLabelValues(kind, "failed").Inc()
		return
	}

	m.snapshots.WithLabelValues(kind, "success").Inc()
	m.duration.WithLabelValues(kind).Observe(result.Duration.Seconds())
	m.lastSuccess.Set(float64(result.StartTime.Add(result.Duration).Unix()))
	m.archiveBytes.Set(float64(result.Archive.SizeBytes))
	m.outputBytes.Set(float64(result.TotalBytes))
	m.filesInSnapshot.Set(float64(result.Archive.FilesWritten))

	if result.CountPass != nil {
		m.deleted.WithLabelValues("count").Add(float64(len(result.CountPass.Deleted)))
	}
	m.cannotReclaim.Set(0)
	if result.SizePass != nil {
		m.deleted.WithLabelValues("size").Add(float64(len(result.SizePass.Deleted)))
		if result.SizePass.CannotReclaim {
			m.cannotReclaim.Set(1)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Impl) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr.
func (m *Impl) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
