package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_breaker_transitions_total",
	Help: "counter of circuit breaker state transitions by shard and new state",
}, []string{"shard", "state"})

var rejectedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_breaker_rejected_total",
	Help: "counter of calls rejected by an open circuit",
}, []string{"shard"})
