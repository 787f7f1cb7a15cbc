// Package metrics exposes Prometheus collectors for connections and framing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every taps collector plus the Go runtime collectors.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

var factory = promauto.With(Registry)

var (
	connectionsOpened = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_connections_opened_total",
		Help: "Connections established, by transport",
	}, []string{"transport"})

	connectionsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taps_connections_active",
		Help: "Connections currently open, by transport",
	}, []string{"transport"})

	connectFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_connect_failures_total",
		Help: "Failed connection attempts, by transport and failing stage",
	}, []string{"transport", "stage"})

	bytesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_bytes_sent_total",
		Help: "Bytes handed to the transport, by transport",
	}, []string{"transport"})

	bytesReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_bytes_received_total",
		Help: "Bytes read from the transport, by transport",
	}, []string{"transport"})

	ioErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_io_errors_total",
		Help: "Send/recv/close failures, by transport and error kind",
	}, []string{"transport", "kind"})

	parseOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "taps_parse_outcomes_total",
		Help: "HTTP head parse results, by message type and outcome",
	}, []string{"message", "outcome"})
)

func ConnectionOpened(transport string) {
	connectionsOpened.WithLabelValues(transport).Inc()
	connectionsActive.WithLabelValues(transport).Inc()
}

func ConnectionClosed(transport string) {
	connectionsActive.WithLabelValues(transport).Dec()
}

func ConnectFailed(transport, stage string) {
	connectFailures.WithLabelValues(transport, stage).Inc()
}

func AddBytesSent(transport string, n int) {
	if n > 0 {
		bytesSent.WithLabelValues(transport).Add(float64(n))
	}
}

func AddBytesReceived(transport string, n int) {
	if n > 0 {
		bytesReceived.WithLabelValues(transport).Add(float64(n))
	}
}

func IOError(transport, kind string) {
	ioErrors.WithLabelValues(transport, kind).Inc()
}

// ParseOutcome counts one parse attempt; message is "request" or "response".
func ParseOutcome(message, outcome string) {
	parseOutcomes.WithLabelValues(message, outcome).Inc()
}
