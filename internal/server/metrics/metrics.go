// Package metrics exposes Prometheus counters for uploads, downloads and
// janitor sweeps. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Download outcomes.
const (
	OutcomeGranted      = "granted"
	OutcomeNotFound     = "not_found"
	OutcomeExpired      = "expired"
	OutcomeUnauthorized = "unauthorized"
	OutcomeIntegrity    = "integrity"
	OutcomeError        = "error"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	UploadsTotal  *prometheus.CounterVec // dropzone_uploads_total{encrypted}
	BytesUploaded prometheus.Counter     // dropzone_bytes_uploaded_total

	DownloadsTotal *prometheus.CounterVec // dropzone_downloads_total{outcome}

	SweepDeleted  *prometheus.CounterVec   // dropzone_janitor_deleted_total{sweep}
	SweepFailed   *prometheus.CounterVec   // dropzone_janitor_failed_total{sweep}
	SweepDuration *prometheus.HistogramVec // dropzone_janitor_sweep_duration_seconds{sweep}
}

// New registers the collectors with reg. Registering twice with the same
// registry panics, so callers create one Metrics per registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropzone_uploads_total",
			Help: "Objects stored, by whether the blob is encrypted",
		}, []string{"encrypted"}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "dropzone_bytes_uploaded_total",
			Help: "Plaintext bytes accepted by uploads",
		}),

		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropzone_downloads_total",
			Help: "Download attempts by outcome",
		}, []string{"outcome"}),

		SweepDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropzone_janitor_deleted_total",
			Help: "Objects or blobs reclaimed by the janitor",
		}, []string{"sweep"}),

		SweepFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropzone_janitor_failed_total",
			Help: "Janitor deletions that failed and will be retried",
		}, []string{"sweep"}),

		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dropzone_janitor_sweep_duration_seconds",
			Help:    "Janitor sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveUpload(sizeBytes int64, encrypted bool) {
	if m == nil {
		return
	}
	label := "false"
	if encrypted {
		label = "true"
	}
	m.UploadsTotal.WithLabelValues(label).Inc()
	m.BytesUploaded.Add(float64(sizeBytes))
}

func (m *Metrics) ObserveDownload(outcome string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, deleted, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepDeleted.WithLabelValues(sweep).Add(float64(deleted))
	m.SweepFailed.WithLabelValues(sweep).Add(float64(failed))
	m.SweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
}
