// Package metrics provides Prometheus metrics for the rating engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Fit metrics
	iterations          prometheus.Counter
	newtonUpdates       prometheus.Counter
	rejectedUpdates     prometheus.Counter
	anomalies           *prometheus.CounterVec
	logLikelihood       prometheus.Gauge
	iterationLatency    prometheus.Histogram
	convergenceRuns     *prometheus.CounterVec
	convergenceDuration prometheus.Histogram
	convergenceSteps    prometheus.Histogram
	uncertaintyPasses   prometheus.Counter

	// Model size
	competitors prometheus.Gauge
	games       prometheus.Gauge
	timeSteps   prometheus.Gauge

	// Ranking index
	rankingRecords      prometheus.Gauge
	rankingUpdateLat    prometheus.Histogram
	rankingQueryLatency prometheus.Histogram

	// Ingestion
	outcomesRegistered prometheus.Counter
	outcomesDuplicate  prometheus.Counter

	// Worker pool
	workerCount      prometheus.Gauge
	workerJobLatency prometheus.Histogram
	workerErrors     prometheus.Counter

	errorsByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "whr",
		subsystem:        "engine",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	// Disabled managers still build collectors so callers never see nil, but
	// nothing scrapes the private registry they land on.
	if !m.enabled {
		m.registry = prometheus.NewRegistry()
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.iterations = m.counter("iterations_total", "Total number of full Newton iterations over all competitors")
	m.newtonUpdates = m.counter("newton_updates_total", "Total number of per-competitor Newton updates applied")
	m.rejectedUpdates = m.counter("newton_updates_rejected_total", "Per-competitor Newton updates rejected as divergent")
	m.anomalies = m.counterVec("anomalies_total", "Numeric anomalies detected during fitting", "kind")
	m.logLikelihood = m.gauge("log_likelihood", "Total log-likelihood after the latest iteration")
	m.iterationLatency = m.histogram("iteration_latency_milliseconds", "Latency of one full iteration in milliseconds", m.histogramBuckets)
	m.convergenceRuns = m.counterVec("convergence_runs_total", "Convergence runs by result", "result")
	m.convergenceDuration = m.histogram("convergence_duration_milliseconds", "Wall time of a convergence run in milliseconds", m.histogramBuckets)
	m.convergenceSteps = m.histogram("convergence_iterations", "Iterations needed per convergence run",
		prometheus.ExponentialBuckets(1, 2, 14))
	m.uncertaintyPasses = m.counter("uncertainty_passes_total", "Total number of posterior uncertainty passes")

	m.competitors = m.gauge("competitors", "Number of registered competitors")
	m.games = m.gauge("games", "Number of registered games")
	m.timeSteps = m.gauge("time_steps", "Number of competitor time steps")

	m.rankingRecords = m.gauge("ranking_records", "Competitors present in the ranking index")
	m.rankingUpdateLat = m.histogram("ranking_update_latency_milliseconds", "Ranking index update latency in milliseconds", m.histogramBuckets)
	m.rankingQueryLatency = m.histogram("ranking_query_latency_milliseconds", "Ranking index query latency in milliseconds", m.histogramBuckets)

	m.outcomesRegistered = m.counter("outcomes_registered_total", "Outcomes accepted into the model")
	m.outcomesDuplicate = m.counter("outcomes_duplicate_total", "Outcomes dropped because their match id was already seen")

	m.workerCount = m.gauge("worker_count", "Goroutines available to the parallel iteration pool")
	m.workerJobLatency = m.histogram("worker_job_latency_milliseconds", "Latency of one pooled Newton step in milliseconds", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Pooled jobs that returned an error")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "type")
}

// Fit metrics.

// RecordIteration records one completed iteration.
func RecordIteration(latencyMs, logLikelihood float64) {
	globalManager.iterations.Inc()
	globalManager.iterationLatency.Observe(latencyMs)
	globalManager.logLikelihood.Set(logLikelihood)
}

// RecordNewtonUpdate increments the applied update counter.
func RecordNewtonUpdate() {
	globalManager.newtonUpdates.Inc()
}

// RecordRejectedUpdate increments the rejected update counter.
func RecordRejectedUpdate() {
	globalManager.rejectedUpdates.Inc()
}

// RecordAnomaly counts a numeric anomaly of the given kind.
func RecordAnomaly(kind string) {
	globalManager.anomalies.WithLabelValues(kind).Inc()
}

// RecordConvergence records the outcome of a convergence run.
func RecordConvergence(result string, iterations int, durationMs float64) {
	globalManager.convergenceRuns.WithLabelValues(result).Inc()
	globalManager.convergenceSteps.Observe(float64(iterations))
	globalManager.convergenceDuration.Observe(durationMs)
}

// RecordUncertaintyPass increments the uncertainty pass counter.
func RecordUncertaintyPass() {
	globalManager.uncertaintyPasses.Inc()
}

// Model size metrics.

// UpdateModelSize sets the model size gauges.
func UpdateModelSize(competitors, games, steps int) {
	globalManager.competitors.Set(float64(competitors))
	globalManager.games.Set(float64(games))
	globalManager.timeSteps.Set(float64(steps))
}

// Ranking index metrics.

// UpdateRankingRecords sets the number of ranked competitors.
func UpdateRankingRecords(count int) {
	globalManager.rankingRecords.Set(float64(count))
}

// RecordRankingUpdateLatency records a ranking index write.
func RecordRankingUpdateLatency(latencyMs float64) {
	globalManager.rankingUpdateLat.Observe(latencyMs)
}

// RecordRankingQueryLatency records a ranking index read.
func RecordRankingQueryLatency(latencyMs float64) {
	globalManager.rankingQueryLatency.Observe(latencyMs)
}

// Ingestion metrics.

// RecordOutcomeRegistered increments the accepted outcome counter.
func RecordOutcomeRegistered() {
	globalManager.outcomesRegistered.Inc()
}

// RecordOutcomeDuplicate increments the duplicate outcome counter.
func RecordOutcomeDuplicate() {
	globalManager.outcomesDuplicate.Inc()
}

// Worker metrics.

// UpdateWorkerCount sets the pool size gauge.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerJobLatency records the latency of one pooled job.
func RecordWorkerJobLatency(latencyMs float64) {
	globalManager.workerJobLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
