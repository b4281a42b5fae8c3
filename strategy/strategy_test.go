package strategy

import (
	"testing"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/stretchr/testify/assert"
)

func literalPredicate(s string) *ir.Predicate {
	return &ir.Predicate{
		ID:   ir.MainPredicateID,
		Root: &ir.Node{Kind: ir.NodeLiteral, Literal: event.String(s)},
	}
}

func TestRecommendSimpleWithLiteralsIsAcDfa(t *testing.T) {
	r := &ir.Rule{
		Kind:       ir.RuleSingleEvent,
		Predicates: map[ir.PredicateID]*ir.Predicate{ir.MainPredicateID: literalPredicate("bash")},
	}
	rec := NewAnalyzer(DefaultWeights).Recommend(r)
	assert.Equal(t, AcDfa, rec.Strategy)
	assert.InDelta(t, 0.9, rec.Confidence, 0.001)
}

func TestRecommendSimpleSequenceIsLazyDfa(t *testing.T) {
	r := &ir.Rule{
		Kind: ir.RuleSequence,
		Seq: &ir.Sequence{Steps: []ir.Step{{Index: 0}, {Index: 1}}},
		Predicates: map[ir.PredicateID]*ir.Predicate{
			"step0": {Root: &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}},
			"step1": {Root: &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}},
		},
	}
	rec := NewAnalyzer(DefaultWeights).Recommend(r)
	assert.Equal(t, LazyDfa, rec.Strategy)
}

func TestRecommendRegexForcesNfaOrHybrid(t *testing.T) {
	r := &ir.Rule{
		Kind: ir.RuleSingleEvent,
		Predicates: map[ir.PredicateID]*ir.Predicate{
			ir.MainPredicateID: {
				Root:          &ir.Node{Kind: ir.NodeLiteral, Literal: event.String("x")},
				RequiredRegex: []string{"^/bin/.*"},
			},
		},
	}
	rec := NewAnalyzer(DefaultWeights).Recommend(r)
	assert.Equal(t, HybridAcNfa, rec.Strategy)
}

func TestRecommendUntilForcesNfa(t *testing.T) {
	r := &ir.Rule{
		Kind: ir.RuleSequence,
		Seq:  &ir.Sequence{Steps: []ir.Step{{Index: 0}}, Until: ir.UntilPredicateID},
		Predicates: map[ir.PredicateID]*ir.Predicate{
			"step0":             {Root: &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}},
			ir.UntilPredicateID: {Root: &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}},
		},
	}
	rec := NewAnalyzer(DefaultWeights).Recommend(r)
	assert.Equal(t, Nfa, rec.Strategy)
}

func TestRecommendIsPureAndDeterministic(t *testing.T) {
	r := &ir.Rule{
		Kind:       ir.RuleSingleEvent,
		Predicates: map[ir.PredicateID]*ir.Predicate{ir.MainPredicateID: literalPredicate("bash")},
	}
	a := NewAnalyzer(DefaultWeights)
	first := a.Recommend(r)
	second := a.Recommend(r)
	assert.Equal(t, first, second)
}

func TestCalibrationProfilesChangeThreshold(t *testing.T) {
	assert.Less(t, ConservativeWeights.SimpleThreshold, DefaultWeights.SimpleThreshold)
	assert.Greater(t, AggressiveWeights.SimpleThreshold, DefaultWeights.SimpleThreshold)
}

func TestWeightsForProfileResolvesNames(t *testing.T) {
	assert.Equal(t, ConservativeWeights, WeightsForProfile(ProfileConservative))
	assert.Equal(t, AggressiveWeights, WeightsForProfile(ProfileAggressive))
	assert.Equal(t, DefaultWeights, WeightsForProfile(ProfileDefault))
	assert.Equal(t, DefaultWeights, WeightsForProfile("bogus"))
}
