// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// serverMetrics are requests, errors, and duration (RED) metrics for the
// dispatch path, plus gauges for long-lived work.
type serverMetrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	streams    prometheus.Gauge
	operations prometheus.Gauge
}

var _ prometheus.Collector = (*serverMetrics)(nil)

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst",
			Name:      "requests_total",
			Help:      "Total number of calls served, by function and outcome code.",
		}, []string{"function", "code"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forrst",
			Name:      "request_duration_seconds",
			Help:      "Histogram of call latency (seconds).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),

		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forrst",
			Name:      "streams_active",
			Help:      "Number of SSE streams currently open.",
		}),

		operations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forrst",
			Name:      "operations_active",
			Help:      "Number of async operation workers currently running.",
		}),
	}
}

// Describe sends the descriptors of the collected metrics to ch.
func (m *serverMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.duration.Describe(ch)
	m.streams.Describe(ch)
	m.operations.Describe(ch)
}

// Collect sends the current metric values to ch.
func (m *serverMetrics) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.duration.Collect(ch)
	m.streams.Collect(ch)
	m.operations.Collect(ch)
}

// observe records one served call.
func (m *serverMetrics) observe(function, code string, elapsed time.Duration) {
	m.requests.WithLabelValues(function, code).Inc()
	m.duration.WithLabelValues(function).Observe(elapsed.Seconds())
}

func (m *serverMetrics) streamOpened() { m.streams.Inc() }
func (m *serverMetrics) streamClosed() { m.streams.Dec() }

func (m *serverMetrics) operationStarted()  { m.operations.Inc() }
func (m *serverMetrics) operationFinished() { m.operations.Dec() }
