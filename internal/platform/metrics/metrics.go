// Package metrics exposes Prometheus instruments for stage execution,
// ledger consistency and batch throughput. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docpipe"

// Metrics groups the pipeline's collectors.
type Metrics struct {
	StageExecutions     *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StageRetries        *prometheus.CounterVec
	LedgerInconsistency *prometheus.CounterVec
	BatchItems          *prometheus.CounterVec
	ExecutionsFinished  *prometheus.CounterVec
	ActiveChains        prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Stage attempts by outcome.",
		}, []string{"stage", "status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage Execute attempts.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Retries scheduled per stage.",
		}, []string{"stage"}),
		LedgerInconsistency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_inconsistencies_total",
			Help:      "Lifecycle hook updates that failed to persist.",
		}, []string{"hook"}),
		BatchItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items processed by outcome.",
		}, []string{"status"}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Chains and batches reaching a terminal status.",
		}, []string{"kind", "status"}),
		ActiveChains: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_chains",
			Help:      "Chains currently running in this process.",
		}),
	}
}

// ObserveStage records one Execute attempt.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageExecutions.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageRetried counts a scheduled retry.
func (m *Metrics) StageRetried(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

// LedgerInconsistent counts a hook whose ledger update failed.
func (m *Metrics) LedgerInconsistent(hook string) {
	if m == nil {
		return
	}
	m.LedgerInconsistency.WithLabelValues(hook).Inc()
}

// BatchItemsProcessed counts chunk outcomes.
func (m *Metrics) BatchItemsProcessed(completed, failed int) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues("success").Add(float64(completed))
	m.BatchItems.WithLabelValues("failure").Add(float64(failed))
}

// ExecutionFinished counts a terminal transition of a chain or batch.
func (m *Metrics) ExecutionFinished(kind, status string) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(kind, status).Inc()
}

// ChainStarted and ChainDone track in-flight chains.
func (m *Metrics) ChainStarted() {
	if m == nil {
		return
	}
	m.ActiveChains.Inc()
}

func (m *Metrics) ChainDone() {
	if m == nil {
		return
	}
	m.ActiveChains.Dec()
}
