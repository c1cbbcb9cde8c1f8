// Package observability wires the engine's runtime metrics into
// prometheus/client_golang and exposes them over the standard promhttp
// scrape handler.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordingsActive tracks the number of live RecordingSessions: a
	// session increments it when its init succeeds and decrements it in Close.
	RecordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_recordings_active",
		Help: "Number of recording sessions currently recording.",
	})

	// RecordingsStartedTotal counts every recording that has ever started.
	RecordingsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_recordings_started_total",
		Help: "Total number of recordings started.",
	})

	// ReplaysActive tracks the number of ReplaySessions currently replaying.
	ReplaysActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_replays_active",
		Help: "Number of replay sessions currently replaying.",
	})

	// BytesRecordedTotal counts bytes accepted by every Recorder.write call.
	BytesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_bytes_recorded_total",
		Help: "Total bytes written across all recordings.",
	})

	// BytesReplayedTotal counts bytes republished by every ReplaySession.
	BytesReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_bytes_replayed_total",
		Help: "Total bytes republished across all replays.",
	})

	// SegmentRolloversTotal counts segment-file rollovers across all recordings.
	SegmentRolloversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_segment_rollovers_total",
		Help: "Total number of segment file rollovers.",
	})

	// ConductorTickWorkCount observes the work count returned by each
	// conductor tick, a direct signal of how saturated the single-threaded
	// conductor is.
	ConductorTickWorkCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_conductor_tick_work_count",
		Help:    "Work count returned by each conductor tick.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	})

	// SessionErrorsTotal counts errors returned by any session's DoWork, by
	// error taxonomy kind.
	SessionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_session_errors_total",
		Help: "Total session errors, labeled by taxonomy kind.",
	}, []string{"kind"})
)

// SetupMetrics registers the Prometheus scrape endpoint at /metrics.
func SetupMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
