// Package lazydfa implements spec §4.6: detecting which loaded sequences
// are "hot" enough to be worth promoting from NFA stepping to a
// precompiled DFA, the NFA→DFA subset construction itself, and a
// memory-bounded cache of the resulting DFAs.
package lazydfa

import (
	"math"

	"github.com/kestrelsec/kestrel/nfa"
)

// HotSpotThreshold implements spec §4.6's three-signal promotion gate. A
// sequence is worth the conversion cost only once it clears all three:
// enough evaluations to be statistically meaningful, a high enough
// match rate relative to how often it's evaluated, and enough matches
// per minute in wall-clock terms to matter to the hot-spot sweep.
type HotSpotThreshold struct {
	MinTotalMatches     uint64
	MinSuccessRate      float64
	MinMatchesPerMinute float64
}

func DefaultHotSpotThreshold() HotSpotThreshold {
	return HotSpotThreshold{MinTotalMatches: 1000, MinSuccessRate: 0.05, MinMatchesPerMinute: 1}
}

// HotSpotDetector scores a sequence's nfa.SequenceStats snapshot against
// a threshold to decide whether it should be converted to a DFA.
type HotSpotDetector struct {
	Threshold HotSpotThreshold
}

func NewHotSpotDetector(t HotSpotThreshold) *HotSpotDetector {
	return &HotSpotDetector{Threshold: t}
}

// matches counts a sequence's successful step advances: a partial match
// (a non-final step matched) and a completed match (the final step
// matched) both represent the predicate engine doing useful work on
// this sequence.
func matches(stats nfa.SequenceStats) uint64 {
	return stats.PartialMatches + stats.CompletedMatches
}

// successRate is matches/evaluations, the gate's second signal.
func successRate(stats nfa.SequenceStats) float64 {
	if stats.EventsProcessed == 0 {
		return 0
	}
	return float64(matches(stats)) / float64(stats.EventsProcessed)
}

// matchesPerMinute derives the gate's third signal from the
// first/last-seen timestamps nfa.SequenceStats tracks per event
// processed. A sequence with no measurable elapsed window yet (seen
// once, or only within the same tick) reports zero rather than
// dividing by zero.
func matchesPerMinute(stats nfa.SequenceStats) float64 {
	elapsedNS := stats.LastSeenNS - stats.FirstSeenNS
	if elapsedNS == 0 {
		return 0
	}
	minutes := float64(elapsedNS) / float64(1e9) / 60
	return float64(matches(stats)) / minutes
}

// IsHot applies the three-signal gate: every signal must clear its own
// threshold, rather than one signal compensating for another via a
// single blended score.
func (d *HotSpotDetector) IsHot(stats nfa.SequenceStats) bool {
	if stats.EventsProcessed < d.Threshold.MinTotalMatches {
		return false
	}
	if successRate(stats) < d.Threshold.MinSuccessRate {
		return false
	}
	return matchesPerMinute(stats) >= d.Threshold.MinMatchesPerMinute
}

// Score ranks sequences that have already cleared IsHot against each
// other: rate pressure relative to threshold, scaled by how reliably
// the sequence matches and by the log of its evaluation volume so a
// sequence seen a million times doesn't swamp one seen a thousand
// purely on volume.
func (d *HotSpotDetector) Score(stats nfa.SequenceStats) float64 {
	threshold := d.Threshold.MinMatchesPerMinute
	if threshold <= 0 {
		threshold = 1
	}
	rate := matchesPerMinute(stats) / threshold
	return rate * successRate(stats) * math.Log(math.Max(1, float64(stats.EventsProcessed)))
}
