package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	BalanceLookups     *prometheus.CounterVec
	StoreFailovers     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrade_settlements_total",
				Help: "Total settlements processed.",
			},
			[]string{"op", "status"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "papertrade_settlement_duration_seconds",
				Help:    "Settlement processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrade_balance_lookups_total",
				Help: "Total balance lookups.",
			},
			[]string{"status"},
		),
		StoreFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrade_store_failovers_total",
				Help: "Operations served by the in-memory store after a durable failure.",
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(m.SettlementsTotal, m.SettlementDuration, m.BalanceLookups, m.StoreFailovers)
	return m
}

// IncFailover satisfies store.FailoverObserver.
func (m *Metrics) IncFailover(op string) {
	m.StoreFailovers.WithLabelValues(op).Inc()
}
