package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/specquota/pkg/credits"
)

// Metrics implements credits.Metrics using Prometheus.
type Metrics struct {
	grantsTotal        *prometheus.CounterVec
	grantedCredits     *prometheus.CounterVec
	consumeTotal       *prometheus.CounterVec
	refundsTotal       *prometheus.CounterVec
	proChangesTotal    *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

var _ credits.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "grants_total",
			Help:      "Total number of credit grants.",
		}, []string{"source"}),

		grantedCredits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "granted_credits_total",
			Help:      "Total number of credits granted.",
		}, []string{"source"}),

		consumeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "consume_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"credit_source", "success"}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "refunds_total",
			Help:      "Total number of refunds.",
		}, []string{"credit_source"}),

		proChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "pro_changes_total",
			Help:      "Total number of Pro enable/disable transitions.",
		}, []string{"enabled"}),

		replaysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "idempotent_replays_total",
			Help:      "Total number of operations answered from an existing transaction.",
		}, []string{"operation"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordGrant(source string, amount int) {
	m.grantsTotal.WithLabelValues(source).Inc()
	m.grantedCredits.WithLabelValues(source).Add(float64(amount))
}

func (m *Metrics) RecordConsume(creditSource credits.CreditSource, success bool) {
	m.consumeTotal.WithLabelValues(string(creditSource), strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordRefund(creditSource credits.CreditSource, _ int) {
	m.refundsTotal.WithLabelValues(string(creditSource)).Inc()
}

func (m *Metrics) RecordProChange(enabled bool) {
	m.proChangesTotal.WithLabelValues(strconv.FormatBool(enabled)).Inc()
}

func (m *Metrics) RecordReplay(operation string) {
	m.replaysTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
