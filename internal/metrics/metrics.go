package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LedgerTransactions     *prometheus.CounterVec
	LedgerWriteErrors      *prometheus.CounterVec
	WebhookEvents          *prometheus.CounterVec
	WebhookDeadLetters     prometheus.Counter
	ReconciliationRuns     *prometheus.CounterVec
	ReconciliationFindings *prometheus.CounterVec
	ReconciliationDuration prometheus.Histogram
	HTTPRequests           *prometheus.CounterVec
	HTTPDuration           *prometheus.HistogramVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		LedgerTransactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Total ledger transactions committed.",
			},
			[]string{"type"},
		),
		LedgerWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_write_errors_total",
				Help: "Total rejected or failed ledger writes.",
			},
			[]string{"reason"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Total webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		WebhookDeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_dead_letters_total",
				Help: "Total webhook events moved to the dead-letter set.",
			},
		),
		ReconciliationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_runs_total",
				Help: "Total reconciliation runs by final status.",
			},
			[]string{"status"},
		),
		ReconciliationFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_discrepancies_total",
				Help: "Total discrepancies found by kind.",
			},
			[]string{"kind"},
		),
		ReconciliationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciliation_duration_seconds",
				Help:    "Reconciliation run duration in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.LedgerTransactions,
		m.LedgerWriteErrors,
		m.WebhookEvents,
		m.WebhookDeadLetters,
		m.ReconciliationRuns,
		m.ReconciliationFindings,
		m.ReconciliationDuration,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncTransaction(txType string) {
	if m == nil {
		return
	}
	m.LedgerTransactions.WithLabelValues(txType).Inc()
}

func (m *Metrics) IncWriteError(reason string) {
	if m == nil {
		return
	}
	m.LedgerWriteErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncWebhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.WebhookDeadLetters.Inc()
}

func (m *Metrics) ObserveReconciliation(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationRuns.WithLabelValues(status).Inc()
	m.ReconciliationDuration.Observe(duration.Seconds())
}

func (m *Metrics) AddDiscrepancies(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconciliationFindings.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
