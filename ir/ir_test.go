package ir

import (
	"testing"

	"github.com/kestrelsec/kestrel/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStepSequence() *Rule {
	return &Rule{
		RuleID:   "r1",
		RuleName: "two step",
		Kind:     RuleSequence,
		Predicates: map[PredicateID]*Predicate{
			"step0": {ID: "step0", EventType: 1},
			"step1": {ID: "step1", EventType: 2},
		},
		Seq: &Sequence{
			ByFieldID: 10,
			Steps: []Step{
				{Index: 0, EventType: 1, Predicate: "step0"},
				{Index: 1, EventType: 2, Predicate: "step1"},
			},
		},
	}
}

func TestCompileIndexesStepsByEventType(t *testing.T) {
	cs := Compile(twoStepSequence())
	require.NotNil(t, cs)
	assert.Equal(t, 2, cs.StepCount())
	assert.Equal(t, []int{0}, cs.StepsForEventType(1))
	assert.Equal(t, []int{1}, cs.StepsForEventType(2))
	assert.Nil(t, cs.StepsForEventType(99))
	assert.False(t, cs.HasUntil())
}

func TestCompileReturnsNilForSingleEventRule(t *testing.T) {
	r := &Rule{Kind: RuleSingleEvent, EventType: 1}
	assert.Nil(t, Compile(r))
}

func TestCompileHonorsUntil(t *testing.T) {
	r := twoStepSequence()
	r.Seq.Until = UntilPredicateID
	r.Predicates[UntilPredicateID] = &Predicate{ID: UntilPredicateID, EventType: 99}
	cs := Compile(r)
	assert.True(t, cs.HasUntil())
}

func TestValueRoundTrip(t *testing.T) {
	v := event.String("bash")
	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "bash", s)
}
