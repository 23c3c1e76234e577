package shard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rpcCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_shard_rpc_total",
	Help: "counter of shard actor RPCs by shard, resource and outcome",
}, []string{"shard", "resource", "outcome"})

var rpcLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "wsql_shard_rpc_seconds",
	Help: "histogram of shard actor RPC latency",
}, []string{"shard", "resource"})

var rpcRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_shard_rpc_retries_total",
	Help: "counter of retried shard actor RPC attempts",
}, []string{"shard"})
