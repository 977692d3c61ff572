// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics provides the driver's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the request-plane collectors. A nil *Metrics is valid and
// records nothing, so call sites never branch.
type Metrics struct {
	OpenConnections *prometheus.GaugeVec
	InFlight        *prometheus.GaugeVec
	Requests        prometheus.Counter
	Retries         prometheus.Counter
	Speculative     prometheus.Counter
	Errors          *prometheus.CounterVec
	BorrowTimeouts  prometheus.Counter
}

// New builds and registers the collectors. A nil registerer yields a nil
// Metrics, disabling collection.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		OpenConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "open_connections",
			Help:      "Open connections per host",
		}, []string{"host"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "inflight_requests",
			Help:      "In-flight requests per host",
		}, []string{"host"}),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "requests_total",
			Help:      "Statements executed",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "retries_total",
			Help:      "Retried attempts",
		}),
		Speculative: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "speculative_executions_total",
			Help:      "Speculative attempts launched",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "errors_total",
			Help:      "Request errors by kind",
		}, []string{"kind"}),
		BorrowTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "borrow_timeouts_total",
			Help:      "Pool borrows that failed or timed out",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.OpenConnections, m.InFlight, m.Requests, m.Retries,
		m.Speculative, m.Errors, m.BorrowTimeouts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncRequests() {
	if m != nil {
		m.Requests.Inc()
	}
}

func (m *Metrics) IncRetries() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) IncSpeculative() {
	if m != nil {
		m.Speculative.Inc()
	}
}

func (m *Metrics) IncError(kind string) {
	if m != nil {
		m.Errors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncBorrowTimeout() {
	if m != nil {
		m.BorrowTimeouts.Inc()
	}
}

func (m *Metrics) SetOpenConnections(host string, n int) {
	if m != nil {
		m.OpenConnections.WithLabelValues(host).Set(float64(n))
	}
}

func (m *Metrics) SetInFlight(host string, n int) {
	if m != nil {
		m.InFlight.WithLabelValues(host).Set(float64(n))
	}
}
