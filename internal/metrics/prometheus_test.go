package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics("fleet", prometheus.NewRegistry())

	m.ObserveReading("refueling", "accepted")
	m.ObserveReading("refueling", "accepted")
	m.ObserveReading("mission", "rejected")
	m.ObserveCorrection("applied")
	m.ObserveDispatch("maintenance:overdue", "failed")
	m.ObserveScan(0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Readings.WithLabelValues("refueling", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Readings.WithLabelValues("mission", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Corrections.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsDispatched.WithLabelValues("maintenance:overdue", "failed")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReading("mission", "accepted")
		m.ObserveCorrection("applied")
		m.ObserveDispatch("document:insurance", "sent")
		m.ObserveScan(1)
	})
}
