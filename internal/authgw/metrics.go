package authgw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
	outcomeOK           = "ok"
	outcomeUnauthorized = "unauthorized"
	outcomeError        = "error"
	outcomeCancelled    = "cancelled"
)

var (
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_gateway_refresh_total",
			Help: "Token refresh round-trips by outcome",
		},
		[]string{"outcome"},
	)

	queuedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_gateway_queued_requests_total",
			Help: "Requests queued behind a token refresh",
		},
	)

	replayedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_gateway_replayed_requests_total",
			Help: "Queued requests replayed after a refresh by outcome",
		},
		[]string{"outcome"},
	)
)
