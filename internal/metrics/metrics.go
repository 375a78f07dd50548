// Package metrics exposes Prometheus instrumentation for the push and API
// clients. Callers register the default registry handler themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal counts nova API requests by path and outcome.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "nova",
		Name:      "requests_total",
		Help:      "Total nova API requests by path and outcome.",
	}, []string{"path", "outcome"})

	// APIRetriesTotal counts retried nova API attempts by path.
	APIRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "nova",
		Name:      "retries_total",
		Help:      "Total retried nova API attempts by path.",
	}, []string{"path"})

	// APIRequestDuration tracks nova request latency end to end, retries
	// included.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "findmy",
		Subsystem: "nova",
		Name:      "request_duration_seconds",
		Help:      "Nova request duration in seconds, including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	// SpotCallsTotal counts Spot RPCs by method and outcome.
	SpotCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "spot",
		Name:      "calls_total",
		Help:      "Total Spot RPCs by method and outcome.",
	}, []string{"method", "outcome"})

	// TokenRefreshesTotal counts scoped token mints by scope and trigger.
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "token",
		Name:      "refreshes_total",
		Help:      "Total scoped token refreshes by scope and trigger.",
	}, []string{"scope", "trigger"})

	// PushConnectsTotal counts push connection attempts by outcome.
	PushConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "push",
		Name:      "connects_total",
		Help:      "Total push connection attempts by outcome.",
	}, []string{"outcome"})

	// PushMessagesTotal counts delivered push data messages.
	PushMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "push",
		Name:      "messages_total",
		Help:      "Total push data messages delivered to handlers.",
	})

	// PushErrorsTotal counts transport errors by kind.
	PushErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "findmy",
		Subsystem: "push",
		Name:      "errors_total",
		Help:      "Total push transport errors by kind.",
	}, []string{"kind"})
)
