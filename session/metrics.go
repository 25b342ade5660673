// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Close reasons used as the "reason" label of the closed counter.
const (
	ReasonClient   = "client"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Metrics are the Prometheus collectors a Manager updates. A nil *Metrics
// records nothing.
type Metrics struct {
	live        prometheus.Gauge
	opened      prometheus.Counter
	closed      *prometheus.CounterVec
	invocations *prometheus.CounterVec
	duration    prometheus.Histogram
	merges      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wart",
			Name:      "sessions_live",
			Help:      "Number of open sessions",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wart",
			Name:      "sessions_opened_total",
			Help:      "Sessions opened since start",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wart",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed since start, by reason",
		}, []string{"reason"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wart",
			Name:      "invocations_total",
			Help:      "Program invocations, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wart",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of program invocations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wart",
			Name:      "store_merges_total",
			Help:      "Keys merged through update_store, by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.live, m.opened, m.closed, m.invocations, m.duration, m.merges)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.opened.Inc()
	m.live.Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
	m.live.Dec()
}

func (m *Metrics) invoked(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) merged(ok, failed int) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues("ok").Add(float64(ok))
	m.merges.WithLabelValues("error").Add(float64(failed))
}
