// Package metrics provides Prometheus metrics for the cloudbox server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes used as the status label.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

var (
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudbox_sessions_total",
			Help: "Completed sessions by command and outcome",
		},
		[]string{"command", "status"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudbox_sessions_active",
			Help: "Connections currently being served",
		},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudbox_session_duration_seconds",
			Help:    "Time from accept to close per command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudbox_bytes_received_total",
			Help: "Payload bytes stored by UPLOAD",
		},
	)

	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudbox_bytes_sent_total",
			Help: "Payload bytes sent by DOWNLOAD",
		},
	)

	shortUploads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudbox_short_uploads_total",
			Help: "Uploads whose stream ended before the declared size",
		},
	)

	storedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudbox_stored_files",
			Help: "Files seen by the most recent LIST",
		},
	)

	acceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudbox_accept_errors_total",
			Help: "Failed accept calls on the listener",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened marks a connection as in flight.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed records the outcome of a connection. command is empty when
// the peer hung up before sending one.
func SessionClosed(command, status string, d time.Duration) {
	sessionsActive.Dec()
	if command == "" {
		command = "none"
	}
	sessionsTotal.WithLabelValues(command, status).Inc()
	sessionDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordUpload records stored payload bytes and whether the stream ran short.
func RecordUpload(received, declared int64) {
	bytesReceived.Add(float64(received))
	if received < declared {
		shortUploads.Inc()
	}
}

func RecordDownload(sent int64) {
	bytesSent.Add(float64(sent))
}

func SetStoredFiles(n int) {
	storedFiles.Set(float64(n))
}

func RecordAcceptError() {
	acceptErrors.Inc()
}
