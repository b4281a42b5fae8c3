// Package ir defines the backend-neutral intermediate representation
// produced by the EQL semantic analyzer (package eql) and consumed by the
// strategy analyzer and the matching backends (AC, NFA, lazy DFA).
//
// A Rule is either a single-event rule (an event type plus a predicate DAG)
// or a sequence rule (an ordered list of steps, each bound to an event type
// and a predicate, plus grouping/timing metadata). Predicate trees are
// shared, read-only values: once compiled, a Rule is handed out by the
// compilation manager as an immutable reference.
package ir

import "github.com/kestrelsec/kestrel/event"

// PredicateID identifies a predicate DAG within a Rule. Sequence steps and
// the optional "until" clause each reference one.
type PredicateID string

// NodeKind tags the variant of a Node.
type NodeKind uint8

const (
	NodeLiteral NodeKind = iota
	NodeLoadField
	NodeUnaryOp
	NodeBinaryOp
	NodeFuncCall
	NodeIn
)

// BinaryOp enumerates the binary operators the predicate language supports.
type BinaryOp uint8

const (
	OpAnd BinaryOp = iota
	OpOr
	OpEq
	OpNotEq
	OpLess
	OpLessEq
	OpGreater
	OpGreaterEq
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
)

// UnaryOp enumerates the unary operators the predicate language supports.
type UnaryOp uint8

const (
	OpNot UnaryOp = iota
	OpNeg
)

// Function enumerates the builtin predicate functions.
type Function uint8

const (
	FuncContains Function = iota
	FuncStartsWith
	FuncEndsWith
	FuncRegex
	FuncWildcard
	FuncStringEqualsCI
)

func (f Function) String() string {
	switch f {
	case FuncContains:
		return "contains"
	case FuncStartsWith:
		return "startsWith"
	case FuncEndsWith:
		return "endsWith"
	case FuncRegex:
		return "regex"
	case FuncWildcard:
		return "wildcard"
	case FuncStringEqualsCI:
		return "stringEqualsCi"
	default:
		return "unknown"
	}
}

// Node is one entry in a predicate DAG. Only the fields relevant to Kind are
// populated; the zero value of the rest is ignored.
type Node struct {
	Kind NodeKind

	// NodeLiteral
	Literal event.Value

	// NodeLoadField
	FieldID event.FieldID

	// NodeUnaryOp
	UnaryOp  UnaryOp
	Operand  *Node

	// NodeBinaryOp
	BinaryOp BinaryOp
	Left     *Node
	Right    *Node

	// NodeFuncCall
	Func Function
	Args []*Node

	// NodeIn
	InValue  *Node
	InValues []event.Value
}

// Predicate is one predicate DAG plus the metadata the compilation manager
// extracted while walking it: every field it loads and every regex/glob
// literal it requires, so the AC matcher and lazy DFA builders don't need to
// re-walk the tree.
type Predicate struct {
	ID            PredicateID
	EventType     event.EventTypeID
	Root          *Node
	RequiredFields []event.FieldID
	RequiredRegex  []string
	RequiredGlobs  []string
}

// RuleKind distinguishes single-event rules from sequence rules.
type RuleKind uint8

const (
	RuleSingleEvent RuleKind = iota
	RuleSequence
)

// Step is one stage of a sequence rule: a predicate bound to an event type
// at a fixed position.
type Step struct {
	Index     int
	EventType event.EventTypeID
	Predicate PredicateID
}

// Sequence is the sequence-specific portion of a Rule.
type Sequence struct {
	ByFieldID event.FieldID
	Steps     []Step
	// MaxspanMS is the maximum time window from the first matched event to
	// the last, in milliseconds. Zero means unbounded.
	MaxspanMS uint64
	// Until, if non-empty, names a predicate registered on the rule under a
	// reserved id; when it fires for an entity, all in-flight partial
	// matches for that (rule, entity) are invalidated.
	Until PredicateID
}

// Capture extracts a field from a matched event for inclusion in the alert
// output. Population is optional (see spec §9); the IR always carries the
// declaration.
type Capture struct {
	FieldID    event.FieldID
	Alias      string
	SourceStep int // -1 for single-event rules
}

// Rule is the compiled, backend-neutral output of semantic analysis.
type Rule struct {
	RuleID   string
	RuleName string
	Kind     RuleKind

	// EventType is set iff Kind == RuleSingleEvent.
	EventType event.EventTypeID

	// Predicates holds every predicate referenced by the rule, keyed by id.
	// For single-event rules this is exactly one entry (id "main"); for
	// sequence rules it holds one entry per step plus, optionally, "until".
	Predicates map[PredicateID]*Predicate

	// Seq is set iff Kind == RuleSequence.
	Seq *Sequence

	Captures []Capture
}

// MainPredicateID is the reserved id for a single-event rule's root
// predicate.
const MainPredicateID PredicateID = "main"

// UntilPredicateID is the reserved id a sequence's until predicate is
// registered under.
const UntilPredicateID PredicateID = "until"

// CompiledSequence is a Sequence plus a precomputed event-type -> step
// index, so the NFA engine can skip sequences that are irrelevant to an
// incoming event in O(1).
type CompiledSequence struct {
	RuleID    string
	RuleName  string
	Seq       *Sequence
	Predicates map[PredicateID]*Predicate
	Captures  []Capture

	// byEventType maps an event type to the indices of steps that are
	// triggered by it. A step can, in principle, share an event type with
	// another step.
	byEventType map[event.EventTypeID][]int
}

// Compile builds a CompiledSequence from a sequence Rule, indexing steps by
// event type for O(1) relevance lookups.
func Compile(r *Rule) *CompiledSequence {
	if r.Kind != RuleSequence || r.Seq == nil {
		return nil
	}
	cs := &CompiledSequence{
		RuleID:     r.RuleID,
		RuleName:   r.RuleName,
		Seq:        r.Seq,
		Predicates: r.Predicates,
		Captures:   r.Captures,
		byEventType: make(map[event.EventTypeID][]int, len(r.Seq.Steps)),
	}
	for _, step := range r.Seq.Steps {
		cs.byEventType[step.EventType] = append(cs.byEventType[step.EventType], step.Index)
	}
	return cs
}

// StepsForEventType returns the step indices relevant to an incoming event
// of the given type, or nil if none.
func (cs *CompiledSequence) StepsForEventType(t event.EventTypeID) []int {
	return cs.byEventType[t]
}

// StepCount returns the number of steps in the sequence.
func (cs *CompiledSequence) StepCount() int { return len(cs.Seq.Steps) }

// HasUntil reports whether the sequence declares an until predicate.
func (cs *CompiledSequence) HasUntil() bool { return cs.Seq.Until != "" }

// UntilEventType returns the event type the until predicate is registered
// against. The until clause's event type is normally distinct from every
// step's event type, so byEventType (indexed purely from Seq.Steps) does
// not cover it; callers must check this separately from
// StepsForEventType.
func (cs *CompiledSequence) UntilEventType() (event.EventTypeID, bool) {
	if !cs.HasUntil() {
		return 0, false
	}
	p, ok := cs.Predicates[UntilPredicateID]
	if !ok {
		return 0, false
	}
	return p.EventType, true
}
