package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_routing_publishes_total",
	Help: "counter of successful routing policy publishes",
})

var publishConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_routing_publish_conflicts_total",
	Help: "counter of routing policy publishes lost to a concurrent publisher",
})

var activeVersion = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wsql_routing_active_version",
	Help: "gauge of the routing policy version this instance serves from",
})
