package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wsql_auth_failures_total",
	Help: "counter of rejected authentications by reason",
}, []string{"reason"})
