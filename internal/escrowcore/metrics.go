package escrowcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Total escrow core operations by type and outcome.",
	}, []string{"op", "outcome"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clearing_core",
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Escrow core operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})

	expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "escrow",
		Name:      "expired_total",
		Help:      "Total escrows auto-refunded by the expiry sweep.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, expiredTotal)
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
