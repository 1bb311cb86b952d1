// Package metrics exposes aggregation counters over Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "message_aggregator"

// Recorder implements usecase.Metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	ingested      *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	flushDuration prometheus.Histogram
	mediaBytes    prometheus.Counter
	redriven      prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Messages appended to a conversation queue.",
		}, []string{"armed"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush attempts by outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_messages",
			Help:      "Messages per delivered batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent in Flush, dispatch included.",
			Buckets:   prometheus.DefBuckets,
		}),
		mediaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_stored_bytes_total",
			Help:      "Decoded bytes accepted by the media store.",
		}),
		redriven: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_redriven_total",
			Help:      "Orphaned queues flushed by the recovery sweep.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ingested, r.flushes, r.batchSize, r.flushDuration, r.mediaBytes, r.redriven,
	)
	return r
}

func (r *Recorder) MessageIngested(armed bool) {
	if r == nil {
		return
	}
	r.ingested.WithLabelValues(strconv.FormatBool(armed)).Inc()
}

func (r *Recorder) FlushCompleted(outcome string, messages int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.flushes.WithLabelValues(outcome).Inc()
	r.flushDuration.Observe(elapsed.Seconds())
	if outcome == "delivered" {
		r.batchSize.Observe(float64(messages))
	}
}

func (r *Recorder) MediaStored(size int) {
	if r == nil {
		return
	}
	r.mediaBytes.Add(float64(size))
}

func (r *Recorder) SweepRedriven(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.redriven.Add(float64(count))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
