// Package evaluator implements the PredicateEvaluator contract from spec
// §6 and §4.4: a pure function of (predicate id, event) → bool that the NFA
// engine (and single-event matching) call without caring whether the
// predicate runs natively, in a sandboxed VM, or remotely.
package evaluator

import (
	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/ir"
)

// Key identifies a predicate across every loaded rule. Predicate ids
// (ir.PredicateID) are only unique within a single rule's Predicates map,
// so the evaluator keys on (rule id, predicate id).
type Key struct {
	RuleID      string
	PredicateID ir.PredicateID
}

// PredicateEvaluator is the abstraction spec §6 requires: "evaluate
// (predicate_id, event) → bool | error", "required_fields(predicate_id)",
// "has_predicate(id)". The NFA engine treats Evaluate as a pure function;
// any caching is the evaluator's own concern.
type PredicateEvaluator interface {
	Evaluate(key Key, ev event.Event) (bool, error)
	RequiredFields(key Key) []event.FieldID
	HasPredicate(key Key) bool
}
