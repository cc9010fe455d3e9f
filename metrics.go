package livequery

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus instrumentation for one Engine. Grounded on
// the oplog tailer in github.com/vlasky/oplogtoredis (found elsewhere in
// the example corpus), which instruments an equivalent tailing loop with
// promauto counters and histograms; this engine wires the same library for
// the operational metrics an operator would actually want to scrape.
type metrics struct {
	cursorRestarts    prometheus.Counter
	entriesDispatched *prometheus.CounterVec
	watermarkLag      prometheus.Gauge
}

var metricsInstanceSeq int64

// newMetrics registers a fresh set of Prometheus collectors. Like expvar,
// Prometheus collectors are process-global and panic on a duplicate
// registration, so each Engine's collectors carry a unique "engine"
// constant label instead of colliding when more than one Engine exists in
// the same process (as in tests).
func newMetrics() *metrics {
	n := atomic.AddInt64(&metricsInstanceSeq, 1)
	labels := prometheus.Labels{"engine": itoa(n)}

	return &metrics{
		cursorRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "livequery",
			Subsystem:   "engine",
			Name:        "cursor_restarts_total",
			Help:        "Number of times the journal cursor was opened, including reopens after a filter change or a caught-up cursor.",
			ConstLabels: labels,
		}),
		entriesDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "livequery",
			Subsystem:   "engine",
			Name:        "entries_dispatched_total",
			Help:        "Number of journal entries handed to at least one LiveQuery, partitioned by opcode.",
			ConstLabels: labels,
		}, []string{"op"}),
		watermarkLag: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livequery",
			Subsystem:   "engine",
			Name:        "watermark_lag_seconds",
			Help:        "Approximate age of the most recently dispatched journal entry.",
			ConstLabels: labels,
		}),
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
