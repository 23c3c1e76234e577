package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_gateway_requests_total",
	Help: "counter of gateway requests by endpoint and outcome",
}, []string{"endpoint", "outcome"})

var perimeterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_gateway_perimeter_rejections_total",
	Help: "counter of requests rejected before authentication, by reason",
}, []string{"reason"})

var openTxns = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wsql_gateway_open_transactions",
	Help: "gauge of open client transactions",
})

var expiredTxns = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_gateway_expired_transactions_total",
	Help: "counter of transactions rolled back by idle expiry",
})

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wsql_gateway_ws_connections",
	Help: "gauge of live websocket sessions",
})

var janitorRuns = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_gateway_janitor_runs_total",
	Help: "counter of completed janitor passes",
})

var shardSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "wsql_gateway_shard_size_bytes",
	Help: "gauge of shard storage size as last probed by the janitor",
}, []string{"shard"})
