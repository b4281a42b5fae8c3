package evaluator

import (
	"testing"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/eql"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileRule(t *testing.T, src string) *ir.Rule {
	t.Helper()
	reg := schema.NewInMemoryRegistry()
	reg.RegisterEventType("process_exec", 1)
	reg.RegisterField("process.name", 100, schema.TypeString)
	reg.RegisterField("process.pid", 101, schema.TypeI64)
	q, err := eql.Parse(src)
	require.NoError(t, err)
	rule, err := eql.NewAnalyzer(reg).Analyze("r1", "test", q)
	require.NoError(t, err)
	return rule
}

func newEvaluatorFor(t *testing.T, src string) (*NativeEvaluator, Key) {
	rule := compileRule(t, src)
	ev := NewNativeEvaluator()
	ev.Register(rule.RuleID, rule.Predicates)
	return ev, Key{RuleID: rule.RuleID, PredicateID: ir.MainPredicateID}
}

func TestEvaluateComparisonAndLogical(t *testing.T) {
	ev, key := newEvaluatorFor(t, `process_exec where process.name == "bash" and process.pid > 1`)

	match, err := ev.Evaluate(key, eventWith(100, event.String("bash"), 101, event.I64(42)))
	require.NoError(t, err)
	assert.True(t, match)

	noMatch, err := ev.Evaluate(key, eventWith(100, event.String("sh"), 101, event.I64(42)))
	require.NoError(t, err)
	assert.False(t, noMatch)
}

func TestEvaluateMissingFieldIsNull(t *testing.T) {
	ev, key := newEvaluatorFor(t, `process_exec where process.pid == null`)
	match, err := ev.Evaluate(key, event.New(1, 1, 1, event.EntityKeyFromUint64(1)))
	require.NoError(t, err)
	assert.True(t, match)
}

func TestEvaluateContainsFunction(t *testing.T) {
	ev, key := newEvaluatorFor(t, `process_exec where contains(process.name, "ash")`)
	match, err := ev.Evaluate(key, eventWith(100, event.String("bash"), 101, event.I64(1)))
	require.NoError(t, err)
	assert.True(t, match)
}

func TestEvaluateRegexFunction(t *testing.T) {
	ev, key := newEvaluatorFor(t, `process_exec where regex("^ba.*", process.name)`)
	match, err := ev.Evaluate(key, eventWith(100, event.String("bash"), 101, event.I64(1)))
	require.NoError(t, err)
	assert.True(t, match)
}

func TestEvaluateUnregisteredPredicateFails(t *testing.T) {
	ev := NewNativeEvaluator()
	_, err := ev.Evaluate(Key{RuleID: "missing", PredicateID: ir.MainPredicateID}, event.New(1, 1, 1, event.EntityKeyFromUint64(1)))
	assert.Error(t, err)
}

func TestUnregisterRemovesAllPredicatesForRule(t *testing.T) {
	rule := compileRule(t, `process_exec where process.name == "bash"`)
	ev := NewNativeEvaluator()
	ev.Register(rule.RuleID, rule.Predicates)
	key := Key{RuleID: rule.RuleID, PredicateID: ir.MainPredicateID}
	assert.True(t, ev.HasPredicate(key))
	ev.Unregister(rule.RuleID)
	assert.False(t, ev.HasPredicate(key))
}

func eventWith(f1 event.FieldID, v1 event.Value, f2 event.FieldID, v2 event.Value) event.Event {
	e := event.New(1, 1, 1, event.EntityKeyFromUint64(1))
	e = e.WithField(f1, v1)
	e = e.WithField(f2, v2)
	return e
}
