package consistency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_consistency_reads_total",
	Help: "counter of reads by serving outcome",
}, []string{"outcome"})

var refreshScheduled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_consistency_refresh_scheduled_total",
	Help: "counter of background revalidations scheduled by stale serves",
})

var refreshSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_consistency_refresh_skipped_total",
	Help: "counter of revalidations dropped by the per-table budget",
})

var refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_consistency_refresh_failures_total",
	Help: "counter of background revalidations which failed",
})

var mirrorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_consistency_mirror_failures_total",
	Help: "counter of dual-write mirror failures by source and target shard",
}, []string{"source", "mirror"})

var publishFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_consistency_publish_failures_total",
	Help: "counter of invalidation events which could not be published",
})
