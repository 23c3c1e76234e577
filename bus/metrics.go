package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var published = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_bus_published_total",
	Help: "counter of invalidation events published",
})

var redelivered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_bus_redelivered_total",
	Help: "counter of nacked events scheduled for redelivery",
})

var deadLettered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_bus_dead_lettered_total",
	Help: "counter of events moved to the dead-letter area",
})
