// Package metrics exposes the server's Prometheus instrumentation. The
// collectors are registered at init and served only when an operator
// opts in with --metrics-addr.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redistream",
		Name:      "connections_active",
		Help:      "Number of currently open client connections.",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redistream",
		Name:      "commands_total",
		Help:      "Commands processed, by verb.",
	}, []string{"command"})

	PropagatedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redistream",
		Name:      "replication_propagated_bytes_total",
		Help:      "Bytes of write payload propagated to followers.",
	})

	ReplicasConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redistream",
		Name:      "replicas_connected",
		Help:      "Number of attached follower connections.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		CommandsTotal,
		PropagatedBytes,
		ReplicasConnected,
	)
}

// Serve blocks serving /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
