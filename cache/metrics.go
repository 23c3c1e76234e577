package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheGets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_cache_gets_total",
	Help: "counter of cache reads by derived entry status",
}, []string{"status"})

var cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_cache_errors_total",
	Help: "counter of cache backend failures by operation",
}, []string{"op"})

var invalidatedKeys = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_cache_invalidated_keys_total",
	Help: "counter of cache keys removed by prefix invalidation",
})
