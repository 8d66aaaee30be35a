package resendlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAllowed        = "allowed"
	outcomeLocked         = "locked"
	outcomeDegradedOpen   = "degraded_open"
	outcomeDegradedClosed = "degraded_closed"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_resendlock_decisions_total",
			Help: "Resend lock decisions by outcome",
		},
		[]string{"outcome"},
	)

	persistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_resendlock_persistence_errors_total",
			Help: "Key-value store failures seen by the resend lock",
		},
		[]string{"op"},
	)
)
