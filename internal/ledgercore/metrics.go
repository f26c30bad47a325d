package ledgercore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total ledger core operations by type and outcome.",
	}, []string{"op", "outcome"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clearing_core",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger core operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})

	balanceTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clearing_core",
		Subsystem: "ledger",
		Name:      "balance_total",
		Help:      "Sum of all account balances, sampled at getStatistics.",
	})

	frozenTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clearing_core",
		Subsystem: "ledger",
		Name:      "frozen_balance_total",
		Help:      "Sum of all account frozen balances, sampled at getStatistics.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, balanceTotal, frozenTotal)
}

func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		opsTotal.WithLabelValues(op, outcome).Inc()
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
