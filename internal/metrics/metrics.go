// Package metrics exposes Prometheus metrics for the dispatch engine and API.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Delivery outcomes
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Metrics holds all Prometheus metrics for dispatchry
type Metrics struct {
	// Delivery counters
	DeliveriesTotal         *prometheus.CounterVec
	DeliveryDurationSeconds *prometheus.HistogramVec

	// Batch lifecycle counters
	BatchesClaimedTotal     prometheus.Counter
	BatchesFinishedTotal    *prometheus.CounterVec
	BatchesRescheduledTotal prometheus.Counter
	BatchesRecoveredTotal   prometheus.Counter

	// Batch gauges
	Batches   *prometheus.GaugeVec
	LanesBusy prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchry_deliveries_total",
				Help: "Total number of recipient delivery attempts by outcome",
			},
			[]string{"transport", "outcome"},
		),
		DeliveryDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchry_delivery_duration_seconds",
				Help:    "Duration of a single recipient send",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"transport"},
		),
		BatchesClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchry_batches_claimed_total",
				Help: "Total number of batches moved to sending",
			},
		),
		BatchesFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchry_batches_finished_total",
				Help: "Total number of send cycles finished by final status",
			},
			[]string{"status"},
		),
		BatchesRescheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchry_batches_rescheduled_total",
				Help: "Total number of failed batches moved back to pending",
			},
		),
		BatchesRecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchry_batches_recovered_total",
				Help: "Total number of sending batches failed at startup",
			},
		),
		Batches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchry_batches",
				Help: "Number of stored batches by status",
			},
			[]string{"status"},
		),
		LanesBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchry_lanes_busy",
				Help: "Number of dispatch lanes currently sending a batch",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchry_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchry_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchry_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchry_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchry_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchry_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDurationSeconds,
		m.BatchesClaimedTotal,
		m.BatchesFinishedTotal,
		m.BatchesRescheduledTotal,
		m.BatchesRecoveredTotal,
		m.Batches,
		m.LanesBusy,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	// Labelled counters whose values survive restarts, keyed by metric name
	m.counters = map[string]*prometheus.CounterVec{
		"dispatchry_deliveries_total":       m.DeliveriesTotal,
		"dispatchry_batches_finished_total": m.BatchesFinishedTotal,
		"dispatchry_api_requests_total":     m.APIRequestsTotal,
		"dispatchry_api_errors_total":       m.APIErrorsTotal,
	}

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncDeliveries increments the delivery counter for an outcome
func IncDeliveries(transport, outcome string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(transport, outcome).Inc()
	}
}

// ObserveDeliveryDuration records how long one send took
func ObserveDeliveryDuration(transport string, seconds float64) {
	if m := Global(); m != nil {
		m.DeliveryDurationSeconds.WithLabelValues(transport).Observe(seconds)
	}
}

// IncBatchesClaimed increments the claimed batch counter
func IncBatchesClaimed() {
	if m := Global(); m != nil {
		m.BatchesClaimedTotal.Inc()
	}
}

// IncBatchesFinished increments the finished batch counter for status
func IncBatchesFinished(status string) {
	if m := Global(); m != nil {
		m.BatchesFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncBatchesRescheduled increments the rescheduled batch counter
func IncBatchesRescheduled() {
	if m := Global(); m != nil {
		m.BatchesRescheduledTotal.Inc()
	}
}

// AddBatchesRecovered adds n to the recovered batch counter
func AddBatchesRecovered(n int) {
	if m := Global(); m != nil {
		m.BatchesRecoveredTotal.Add(float64(n))
	}
}

// SetLanesBusy sets the number of busy dispatch lanes
func SetLanesBusy(n int) {
	if m := Global(); m != nil {
		m.LanesBusy.Set(float64(n))
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
