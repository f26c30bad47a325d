package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "batch",
		Name:      "batches_total",
		Help:      "Total batch executions by final status.",
	}, []string{"status"})

	batchItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Total batch items processed by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(batchesTotal, batchItemsTotal)
}
