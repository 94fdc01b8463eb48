// Package metrics holds the prometheus collectors shared by the participant
// and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mesh"

var (
	LinkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "state_transitions_total",
		Help:      "Peer link state transitions.",
	}, []string{"from", "to"})

	LinksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "active",
		Help:      "Live peer links held by the registry.",
	})

	LinksRecreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "recreated_total",
		Help:      "Peer links torn down and rebuilt.",
	}, []string{"reason"})

	ICERestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "ice_restarts_total",
		Help:      "In-place ICE restarts issued.",
	})

	RemoteTracks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "remote_tracks_total",
		Help:      "Remote tracks received, by kind.",
	}, []string{"kind"})

	VideoSwaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "video_swaps_total",
		Help:      "Outbound video swaps, by result.",
	}, []string{"result"})

	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "envelopes_received_total",
		Help:      "Signaling envelopes received, by type.",
	}, []string{"type"})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "envelopes_dropped_total",
		Help:      "Signaling envelopes dropped, by reason.",
	}, []string{"reason"})

	SignalConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "connects_total",
		Help:      "Successful signaling connections (epochs).",
	})

	RelayPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "peers",
		Help:      "Participants connected to the relay.",
	})

	RelayForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "forwarded_total",
		Help:      "Envelopes forwarded by the relay, by type.",
	}, []string{"type"})

	RelayKicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "kicks_total",
		Help:      "Participants kicked from a room.",
	})

	RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Envelopes the relay refused to route, by reason.",
	}, []string{"reason"})
)
