package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "scheduler",
		Name:      "executions_total",
		Help:      "Total scheduled payment executions by outcome.",
	}, []string{"outcome"})

	tickDuePayments = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clearing_core",
		Subsystem: "scheduler",
		Name:      "tick_due_payments",
		Help:      "Number of due payments fetched by a single tick.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200},
	})

	failuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "scheduler",
		Name:      "payment_failed_total",
		Help:      "Total scheduled payments that exhausted their retry budget.",
	})
)

func init() {
	prometheus.MustRegister(executionsTotal, tickDuePayments, failuresTotal)
}
