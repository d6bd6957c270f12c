// Package metrics exposes Prometheus instruments for backup attempts.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/semmidev/backt/internal/domain"
)

type Metrics struct {
	Attempts         *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	Size             *prometheus.GaugeVec
	LastSuccess      *prometheus.GaugeVec
	Timeouts         *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	StorageOps       *prometheus.CounterVec
	RetentionDeletes prometheus.Counter
}

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backt_backups_total",
			Help: "Total number of backup attempts",
		}, []string{"engine", "kind", "status"}),

		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backt_backup_duration_seconds",
			Help:    "Duration of backup attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}, []string{"engine", "kind"}),

		Size: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backt_backup_size_bytes",
			Help: "Size of the last successful artifact in bytes",
		}, []string{"engine", "database"}),

		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backt_backup_last_success_timestamp",
			Help: "Unix timestamp of the last successful backup",
		}, []string{"engine", "database"}),

		Timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backt_subprocess_timeouts_total",
			Help: "Total number of native tool invocations killed at their deadline",
		}, []string{"engine"}),

		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backt_chain_fallbacks_total",
			Help: "Total number of chained requests promoted to FULL for lack of a prior backup",
		}, []string{"engine", "requested_kind"}),

		StorageOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backt_storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "target", "status"}),

		RetentionDeletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "backt_retention_deleted_total",
			Help: "Total number of artifacts removed by retention",
		}),
	}
}

// ObserveBackup records one finished attempt. err is the error that failed it, if any.
func (m *Metrics) ObserveBackup(engine domain.EngineKind, databaseName string, result *domain.BackupResult, err error) {
	if m == nil || result == nil {
		return
	}
	status := "success"
	if !result.Succeeded() {
		status = "failure"
	}
	m.Attempts.WithLabelValues(string(engine), string(result.Kind), status).Inc()
	m.Duration.WithLabelValues(string(engine), string(result.Kind)).
		Observe(result.EndTime.Sub(result.StartTime).Seconds())

	if result.RequestedKind != "" && result.RequestedKind != result.Kind {
		m.Fallbacks.WithLabelValues(string(engine), string(result.RequestedKind)).Inc()
	}
	if errors.Is(err, domain.ErrSubprocessTimeout) {
		m.Timeouts.WithLabelValues(string(engine)).Inc()
	}
	if result.Succeeded() {
		m.Size.WithLabelValues(string(engine), databaseName).Set(float64(result.SizeInBytes))
		m.LastSuccess.WithLabelValues(string(engine), databaseName).Set(float64(result.EndTime.Unix()))
	}
}

func (m *Metrics) ObserveStorage(operation, target string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.StorageOps.WithLabelValues(operation, target, status).Inc()
}

func (m *Metrics) ObserveRetentionDelete() {
	if m == nil {
		return
	}
	m.RetentionDeletes.Inc()
}
