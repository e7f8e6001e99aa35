package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_introspection_cache_lookups_total",
			Help: "Introspection cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	introspectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_introspections_total",
			Help: "Introspection calls made to the authority by outcome",
		},
		[]string{"outcome"}, // active, inactive, error
	)

	guardFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_guard_failures_total",
			Help: "Requests rejected by the introspection guard by reason",
		},
		[]string{"reason"},
	)

	loginStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongate_login_steps_total",
			Help: "Login flow steps by outcome",
		},
		[]string{"step", "outcome"},
	)

	proxyErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiongate_proxy_errors_total",
			Help: "Requests that failed to reach the upstream target",
		},
	)
)
