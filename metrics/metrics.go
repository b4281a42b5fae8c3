// Package metrics wires Kestrel's engine counters to Prometheus, in the
// own-registry-plus-package-level-collector-vars style used throughout
// the example corpus's service_layer metrics packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds Kestrel's own collectors, kept separate from the
// default global registry so embedding applications can mount it under
// whatever path they choose.
var Registry = prometheus.NewRegistry()

var (
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "engine",
			Name:      "events_processed_total",
			Help:      "Total number of events processed, by strategy.",
		},
		[]string{"strategy"},
	)

	SequenceAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "engine",
			Name:      "sequence_alerts_total",
			Help:      "Total number of completed sequence matches, by rule and action.",
		},
		[]string{"rule_id", "action"},
	)

	PartialMatchesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "statestore",
			Name:      "partial_matches_active",
			Help:      "Current number of in-flight partial matches, by rule.",
		},
		[]string{"rule_id"},
	)

	QuotaViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "statestore",
			Name:      "quota_violations_total",
			Help:      "Total number of QuotaExceeded rejections, by quota kind.",
		},
		[]string{"kind"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "statestore",
			Name:      "evictions_total",
			Help:      "Total number of partial match evictions, by reason.",
		},
		[]string{"reason"},
	)

	HotSpotPromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "lazydfa",
			Name:      "hotspot_promotions_total",
			Help:      "Total number of sequences promoted to a compiled DFA.",
		},
		[]string{"rule_id"},
	)

	DFACacheMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "lazydfa",
			Name:      "dfa_cache_memory_bytes",
			Help:      "Current estimated memory held by the DFA cache.",
		},
	)

	ReplayMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "replay",
			Name:      "verification_mismatches_total",
			Help:      "Total number of deterministic-replay verification mismatches.",
		},
		[]string{"rule_id"},
	)
)

func init() {
	Registry.MustRegister(
		EventsProcessed,
		SequenceAlerts,
		PartialMatchesActive,
		QuotaViolations,
		EvictionsTotal,
		HotSpotPromotions,
		DFACacheMemoryBytes,
		ReplayMismatches,
	)
}

// Handler returns an http.Handler serving Registry in the Prometheus
// exposition format, for mounting under e.g. /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
