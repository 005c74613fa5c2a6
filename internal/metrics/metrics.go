package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture flow outcomes by terminal state (confirmed, offline_queued,
// already_marked, error).
var CaptureOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geopresence",
	Subsystem: "capture",
	Name:      "outcomes_total",
	Help:      "Attendance capture attempts by terminal outcome.",
}, []string{"outcome", "kind"})

// FaceMatchDuration tracks oracle round-trip latency; the longest
// suspension point in the capture flow.
var FaceMatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "geopresence",
	Subsystem: "capture",
	Name:      "face_match_duration_seconds",
	Help:      "Latency of face comparison calls.",
	Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
})

// FlushTotal counts offline-queue flush attempts.
var FlushTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "geopresence",
	Subsystem: "offline",
	Name:      "flush_total",
	Help:      "Offline queue flush attempts.",
})

// FlushFailures counts flushes aborted by a ledger fault.
var FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "geopresence",
	Subsystem: "offline",
	Name:      "flush_failures_total",
	Help:      "Offline queue flushes aborted before completion.",
})

// FlushedRecords counts records moved from the queue into the ledger.
var FlushedRecords = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "geopresence",
	Subsystem: "offline",
	Name:      "flushed_records_total",
	Help:      "Records committed to the ledger by queue flushes.",
})
