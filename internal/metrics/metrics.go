// Package metrics exposes the driver's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Polls counts health-check polls by outcome (ok, offline, auth,
	// protocol, panic).
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "polls_total",
		Help:      "Health-check polls by outcome.",
	}, []string{"outcome"})

	// PollDuration observes the wall time of one poll round trip.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pitboss",
		Name:      "poll_duration_seconds",
		Help:      "Duration of one status poll.",
		Buckets:   prometheus.DefBuckets,
	})

	// AuthRefreshes counts full password refreshes from /extconfig.json.
	AuthRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "auth_refreshes_total",
		Help:      "Full auth cache refreshes.",
	})

	// PanicTransitions counts entries into the panic state.
	PanicTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "panic_transitions_total",
		Help:      "Transitions into the panic-safety state.",
	})

	// DiscoveryScans counts rediscovery scans by result (found,
	// not_found, timeout, rate_limited).
	DiscoveryScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "discovery_scans_total",
		Help:      "Subnet rediscovery scans by result.",
	}, []string{"result"})

	// DiscoveryProbes counts individual IP probes during scans.
	DiscoveryProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "discovery_probes_total",
		Help:      "Per-IP discovery probes by outcome.",
	}, []string{"outcome"})

	// CommandsSent counts MCU commands by kind.
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitboss",
		Name:      "commands_sent_total",
		Help:      "MCU commands sent by kind.",
	}, []string{"kind"})
)
