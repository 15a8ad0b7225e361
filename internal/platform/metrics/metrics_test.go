package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStage("ocr", "success", 250*time.Millisecond)
	m.ObserveStage("ocr", "retry", time.Second)
	m.StageRetried("ocr")
	m.LedgerInconsistent("post_success")
	m.BatchItemsProcessed(3, 1)
	m.ExecutionFinished("chain", "SUCCESS")
	m.ChainStarted()
	m.ChainStarted()
	m.ChainDone()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageExecutions.WithLabelValues("ocr", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRetries.WithLabelValues("ocr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerInconsistency.WithLabelValues("post_success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BatchItems.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchItems.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("chain", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveChains))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("ocr", "success", time.Second)
		m.StageRetried("ocr")
		m.LedgerInconsistent("pre_run")
		m.BatchItemsProcessed(1, 1)
		m.ExecutionFinished("batch", "FAILURE")
		m.ChainStarted()
		m.ChainDone()
	})
}
