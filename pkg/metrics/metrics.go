// Package metrics exposes Prometheus counters for pgfrontend's connection
// and query lifecycle, following the same package-level-vars-plus-Init
// shape as the retrieval pack's mevdschee/tqdbproxy metrics package.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsAccepted counts TCP connections accepted by the server.
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgfrontend_connections_accepted_total",
		Help: "Total number of TCP connections accepted",
	})

	// QueriesExecuted counts simple and extended-protocol queries run
	// against the backend, labeled by outcome.
	QueriesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgfrontend_queries_executed_total",
			Help: "Total number of queries executed against the backend",
		},
		[]string{"outcome"},
	)

	// RewriteFailures counts SQL the rewriter could not parse and passed
	// through unchanged.
	RewriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgfrontend_rewrite_failures_total",
		Help: "Total number of queries the rewriter failed to parse",
	})

	// AuthFailures counts failed password authentication attempts.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgfrontend_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
		[]string{"user"},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry. Safe to
// call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionsAccepted)
		prometheus.MustRegister(QueriesExecuted)
		prometheus.MustRegister(RewriteFailures)
		prometheus.MustRegister(AuthFailures)
	})
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
