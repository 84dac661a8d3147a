package observability

import (
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Transcript outcomes.
const (
	OutcomeRecorded      = "recorded"
	OutcomeNoTransaction = "no_transaction"
	OutcomeDuplicate     = "duplicate"
)

// Metrics holds all Prometheus metrics for finvoice.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration  *prometheus.HistogramVec
	externalErrors     *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	transcripts        *prometheus.CounterVec
	transactions       *prometheus.CounterVec
	storeWriteFailures *prometheus.CounterVec
	syncDropped        prometheus.Counter
	goalsAchieved      prometheus.Counter
	recognizerErrors   *prometheus.CounterVec
	activeSessions     prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finvoice_operation_duration_seconds",
				Help:    "Duration of pipeline and store operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		transcripts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_transcripts_total",
				Help: "Transcripts run through the pipeline by outcome.",
			},
			[]string{"outcome"},
		),
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_transactions_total",
				Help: "Transactions applied to ledgers by type.",
			},
			[]string{"type"},
		),
		storeWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_store_write_failures_total",
				Help: "Persisted store writes that failed and were not retried further.",
			},
			[]string{"op"},
		),
		syncDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "finvoice_sync_dropped_total",
				Help: "Store sync jobs dropped because the queue was full.",
			},
		),
		goalsAchieved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "finvoice_goals_achieved_total",
				Help: "Goals removed because the balance reached the target.",
			},
		),
		recognizerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finvoice_recognizer_errors_total",
				Help: "Errors reported by recognition devices by code.",
			},
			[]string{"code"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "finvoice_active_sessions",
				Help: "Signed-in users with a live pipeline.",
			},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrTranscript counts a transcript by outcome.
func (m *Metrics) IncrTranscript(outcome string) {
	m.transcripts.WithLabelValues(outcome).Inc()
}

// IncrTransaction counts an applied transaction.
func (m *Metrics) IncrTransaction(txType domain.TransactionType) {
	m.transactions.WithLabelValues(string(txType)).Inc()
}

// IncrStoreWriteFailure counts a failed store write.
func (m *Metrics) IncrStoreWriteFailure(op string) {
	m.storeWriteFailures.WithLabelValues(op).Inc()
}

// IncrSyncDropped counts a sync job dropped on a full queue.
func (m *Metrics) IncrSyncDropped() {
	m.syncDropped.Inc()
}

// IncrGoalAchieved counts a goal retired by evaluation.
func (m *Metrics) IncrGoalAchieved() {
	m.goalsAchieved.Inc()
}

// IncrRecognizerError counts a recognition device error.
func (m *Metrics) IncrRecognizerError(code string) {
	m.recognizerErrors.WithLabelValues(code).Inc()
}

// SetActiveSessions sets the signed-in user gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// PipelineSnapshot returns a snapshot of pipeline metrics suitable for the
// GET /v1/metrics/pipeline endpoint.
func (m *Metrics) PipelineSnapshot() *domain.PipelineMetrics {
	recorded := getCounterValue(m.transcripts, OutcomeRecorded)
	dropped := getCounterValue(m.transcripts, OutcomeNoTransaction)
	duplicates := getCounterValue(m.transcripts, OutcomeDuplicate)
	cacheHits := getCounterValue(m.cacheHits, "classifier")
	cacheMisses := getCounterValue(m.cacheMisses, "classifier")

	cacheHitRate := float64(0)
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = cacheHits / (cacheHits + cacheMisses)
	}

	active := &dto.Metric{}
	activeSessions := float64(0)
	if err := m.activeSessions.Write(active); err == nil && active.Gauge != nil {
		activeSessions = active.Gauge.GetValue()
	}

	return &domain.PipelineMetrics{
		TranscriptsReceived: recorded + dropped + duplicates,
		TranscriptsRecorded: recorded,
		TranscriptsDropped:  dropped,
		Duplicates:          duplicates,
		StoreWriteFailures:  m.sumFamily("finvoice_store_write_failures_total"),
		GoalsAchieved:       m.sumFamily("finvoice_goals_achieved_total"),
		RecognizerErrors:    m.sumFamily("finvoice_recognizer_errors_total"),
		CacheHitRate:        cacheHitRate,
		ActiveSessions:      activeSessions,
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumFamily adds up every counter series of the named family.
func (m *Metrics) sumFamily(name string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
