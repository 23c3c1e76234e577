package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_batch_executed_total",
	Help: "counter of batches executed (replays excluded)",
})

var replays = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_batch_replays_total",
	Help: "counter of batches served from idempotency records",
})
