package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var processed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_invalidation_processed_total",
	Help: "counter of invalidation events applied to the cache",
})

var duplicates = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_invalidation_duplicates_total",
	Help: "counter of redelivered events absorbed by idempotency markers",
})

var sweptKeys = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_invalidation_swept_keys_total",
	Help: "counter of cache entries deleted by prefix sweeps",
})
