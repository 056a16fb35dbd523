package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics
type Metrics struct {
	Readings         *prometheus.CounterVec
	Corrections      *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
}

// NewMetrics creates the counters on reg. A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Readings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "odometer_readings_total",
			Help:      "Odometer readings by producer and outcome",
		}, []string{"producer", "outcome"}),
		Corrections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "odometer_corrections_total",
			Help:      "Odometer corrections by outcome",
		}, []string{"outcome"}),
		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dispatched_total",
			Help:      "Alert dispatch attempts by condition and outcome",
		}, []string{"condition", "outcome"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_scan_duration_seconds",
			Help:      "Time taken by one alert scan over the fleet",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveReading counts one Record outcome. Safe on a nil receiver.
func (m *Metrics) ObserveReading(producer, outcome string) {
	if m == nil {
		return
	}
	m.Readings.WithLabelValues(producer, outcome).Inc()
}

// ObserveCorrection counts one Correct outcome. Safe on a nil receiver.
func (m *Metrics) ObserveCorrection(outcome string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(outcome).Inc()
}

// ObserveDispatch counts one alert dispatch attempt. Safe on a nil receiver.
func (m *Metrics) ObserveDispatch(condition, outcome string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(condition, outcome).Inc()
}

// ObserveScan records the duration of one scan in seconds. Safe on a nil receiver.
func (m *Metrics) ObserveScan(seconds float64) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(seconds)
}
