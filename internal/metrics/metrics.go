// Package metrics holds the prometheus collectors exported on the debug
// listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ResolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsock_resolver_cache_lookups_total",
		Help: "Address cache lookups by cache and result",
	}, []string{"cache", "result"})

	ResolverProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsock_resolver_provider_calls_total",
		Help: "Name service provider invocations by result",
	}, []string{"result"})

	OpenTransports = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netsock_open_transports",
		Help: "Transports holding a live native handle, by kind",
	}, []string{"kind"})

	DatagramSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netsock_datagram_sockets",
		Help: "Datagram sockets currently accounted by the resource guard",
	})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsock_connect_attempts_total",
		Help: "Connection attempts made through the backoff retrier",
	}, []string{"result"})

	SocksHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsock_socks_handshakes_total",
		Help: "SOCKS handshakes by negotiated version and result",
	}, []string{"version", "result"})
)

// Result returns the "ok"/"error" label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
