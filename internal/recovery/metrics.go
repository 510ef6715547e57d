package recovery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "availrecovery"
	subsystem = "recovery"
)

// Chunk request outcomes.
const (
	chunkSucceeded   = "succeeded"
	chunkInvalid     = "invalid"
	chunkNoSuchChunk = "no_such_chunk"
	chunkTimeout     = "timeout"
	chunkError       = "error"
)

// Metrics collects recovery engine metrics.
type Metrics struct {
	chunkRequestsIssued   *prometheus.CounterVec
	chunkRequestsFinished *prometheus.CounterVec
	chunkRequestDuration  *prometheus.HistogramVec
	fullRequestsFinished  *prometheus.CounterVec
	recoveriesStarted     prometheus.Counter
	recoveriesFinished    *prometheus.CounterVec
	fullRecoveryDuration  prometheus.Histogram
	reconstructDuration   prometheus.Histogram
	reencodeDuration      prometheus.Histogram
	requestsServed        *prometheus.CounterVec
	inFlightRecoveries    prometheus.Gauge
	cacheEntries          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chunkRequestsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "chunk_requests_issued_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "chunk requests sent to validators",
		}, []string{"strategy"}),

		chunkRequestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "chunk_requests_finished_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "chunk requests completed, by outcome",
		}, []string{"strategy", "result"}),

		chunkRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "chunk_request_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "time spent on one chunk request",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"strategy"}),

		fullRequestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "full_requests_finished_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "full data requests to backers completed, by outcome",
		}, []string{"result"}),

		recoveriesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:      "recoveries_started_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "recovery tasks that went past the local store",
		}),

		recoveriesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "recoveries_finished_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "recovery tasks completed, by strategy and outcome",
		}, []string{"strategy", "result"}),

		fullRecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "full_recovery_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "time spent on one recovery task",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		reconstructDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "reconstruct_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "time spent decoding data from chunks",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		reencodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "reencode_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "time spent re-encoding data to check the erasure root",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		requestsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "requests_served_total",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "inbound requests answered, by kind and result",
		}, []string{"kind", "result"}),

		inFlightRecoveries: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "in_flight_recoveries",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "recovery tasks currently running",
		}),

		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "cache_entries",
			Namespace: namespace,
			Subsystem: subsystem,
			Help:      "results held in the recovery cache",
		}),
	}
}

func (m *Metrics) onChunkRequestIssued(strategy string) {
	m.chunkRequestsIssued.WithLabelValues(strategy).Inc()
}

func (m *Metrics) onChunkRequestFinished(strategy, result string) {
	m.chunkRequestsFinished.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) observeChunkRequest(strategy string, start time.Time) {
	m.chunkRequestDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

func (m *Metrics) onFullRequestFinished(result string) {
	m.fullRequestsFinished.WithLabelValues(result).Inc()
}

func (m *Metrics) onRecoveryStarted() {
	m.recoveriesStarted.Inc()
}

func (m *Metrics) onRecoverySucceeded(strategy string) {
	m.recoveriesFinished.WithLabelValues(strategy, "succeeded").Inc()
}

func (m *Metrics) onRecoveryInvalid(strategy string) {
	m.recoveriesFinished.WithLabelValues(strategy, "invalid").Inc()
}

func (m *Metrics) onRecoveryFailed() {
	m.recoveriesFinished.WithLabelValues("", "failed").Inc()
}

func (m *Metrics) observeFullRecovery(start time.Time) {
	m.fullRecoveryDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeReconstruct(start time.Time) {
	m.reconstructDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeReencode(start time.Time) {
	m.reencodeDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) onRequestServed(kind, result string) {
	m.requestsServed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) setInFlight(n int) {
	m.inFlightRecoveries.Set(float64(n))
}

func (m *Metrics) setCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}
