package warp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnvelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_envelopes_sent_total",
			Help: "Total number of envelopes written to host sockets by kind",
		},
		[]string{"kind"},
	)

	EnvelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_envelopes_received_total",
			Help: "Total number of envelopes read from host sockets by kind",
		},
		[]string{"kind"},
	)

	SendBufferOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warp_send_buffer_overflows_total",
			Help: "Total number of pushes rejected because the send buffer was full",
		},
	)

	EnvelopesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warp_envelopes_discarded_total",
			Help: "Total number of buffered envelopes discarded when a host was closed",
		},
	)

	HostConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warp_host_connects_total",
			Help: "Total number of successful host connections",
		},
	)

	HostFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warp_host_failures_total",
			Help: "Total number of host connection failures by reason",
		},
		[]string{"reason"},
	)

	LinksOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warp_links_open",
			Help: "Number of link keys with at least one downlink",
		},
	)
)

func init() {
	prometheus.MustRegister(EnvelopesSent)
	prometheus.MustRegister(EnvelopesReceived)
	prometheus.MustRegister(SendBufferOverflows)
	prometheus.MustRegister(EnvelopesDiscarded)
	prometheus.MustRegister(HostConnects)
	prometheus.MustRegister(HostFailures)
	prometheus.MustRegister(LinksOpen)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
