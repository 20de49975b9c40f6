// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlockedPacketsTotal counts diverted packets by transport protocol
	BlockedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netreject_blocked_packets_total",
			Help: "Total number of packets diverted by the filter",
		},
		[]string{"family", "transport"},
	)

	// RepliesTotal counts synthesized reject replies by kind
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netreject_replies_total",
			Help: "Total number of reject replies injected",
		},
		[]string{"kind"},
	)

	// SkippedPacketsTotal counts diverted packets dropped without a reply
	SkippedPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netreject_skipped_packets_total",
			Help: "Total number of diverted packets dropped without a reply",
		},
	)

	// RecvErrorsTotal counts failed reads from the diversion handle
	RecvErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netreject_recv_errors_total",
			Help: "Total number of failed packet reads",
		},
	)

	// SendErrorsTotal counts failed reply injections
	SendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netreject_send_errors_total",
			Help: "Total number of failed reply injections",
		},
	)
)
