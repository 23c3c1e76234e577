package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exportedRows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_backup_exported_rows_total",
	Help: "counter of rows written into snapshots",
})

var restoredRows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wsql_backup_restored_rows_total",
	Help: "counter of rows imported from snapshots",
})
