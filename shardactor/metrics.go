package shardactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_actor_mutations_total",
	Help: "counter of applied mutations by shard and outcome",
}, []string{"shard", "outcome"})

var exportedRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_actor_exported_rows_total",
	Help: "counter of rows exported for backfill or backup",
}, []string{"shard"})

var importedRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_actor_imported_rows_total",
	Help: "counter of rows upserted via import",
}, []string{"shard"})

var openTxns = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wsql_actor_open_transactions",
	Help: "gauge of interactive transactions currently open",
})
