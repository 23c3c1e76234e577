package split

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var backfillRows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_split_backfill_rows_total",
	Help: "counter of rows copied by backfill",
})

var tailEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_split_tail_events_total",
	Help: "counter of mutation events replayed onto split targets",
})

var cutovers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_split_cutovers_total",
	Help: "counter of published cutovers",
})

var rollbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_split_rollbacks_total",
	Help: "counter of rolled-back split plans",
})

var verifyMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_split_verify_mismatches_total",
	Help: "counter of mismatched rows found by verification",
})
