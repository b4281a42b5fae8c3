// Package strategy implements the strategy analyzer from spec §4.2: for
// each compiled IR rule, recommend one of four matching backends (AcDfa,
// LazyDfa, Nfa, HybridAcNfa) with a confidence and a short reason.
//
// The scoring-table-plus-threshold shape is grounded on
// coregx-coregex/meta's Strategy enum and selectStrategy (it scores a
// parsed regex's structure and picks among UseDFA/UseNFA/UseAhoCorasick/
// ... engines the same way); Kestrel scores an ir.Rule instead of a
// regex AST.
package strategy

import (
	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/ir"
)

// Strategy is the matching backend a rule is assigned to.
type Strategy uint8

const (
	AcDfa Strategy = iota
	LazyDfa
	Nfa
	HybridAcNfa
)

func (s Strategy) String() string {
	switch s {
	case AcDfa:
		return "AcDfa"
	case LazyDfa:
		return "LazyDfa"
	case Nfa:
		return "Nfa"
	case HybridAcNfa:
		return "HybridAcNfa"
	default:
		return "unknown"
	}
}

// Weights is the scoring table from spec §4.2, exposed so callers can
// select one of three calibration profiles or supply their own.
type Weights struct {
	SequenceStep     int
	Regex            int
	Glob             int
	FunctionCall     int
	Captures         int
	Until            int
	StringLiteral    int // negative: reduces score
	SimpleThreshold  int
}

// DefaultWeights matches spec §4.2's contribution table exactly.
var DefaultWeights = Weights{
	SequenceStep:    10,
	Regex:           30,
	Glob:            20,
	FunctionCall:    15,
	Captures:        10,
	Until:           25,
	StringLiteral:   -2,
	SimpleThreshold: 40,
}

// ConservativeWeights biases toward Nfa by raising every positive
// contribution and lowering the simple threshold, so fewer rules qualify
// as "simple" and get fast-pathed.
var ConservativeWeights = Weights{
	SequenceStep:    14,
	Regex:           40,
	Glob:            28,
	FunctionCall:    20,
	Captures:        14,
	Until:           32,
	StringLiteral:   -1,
	SimpleThreshold: 30,
}

// AggressiveWeights biases toward AcDfa/LazyDfa by lowering positive
// contributions and raising the threshold, so more rules qualify as
// "simple".
var AggressiveWeights = Weights{
	SequenceStep:    7,
	Regex:           22,
	Glob:            14,
	FunctionCall:    10,
	Captures:        7,
	Until:           18,
	StringLiteral:   -3,
	SimpleThreshold: 55,
}

// Profile names the three required calibration profiles (spec §4.2).
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileDefault      Profile = "default"
	ProfileAggressive   Profile = "aggressive"
)

// WeightsForProfile resolves a named profile to its table, defaulting to
// DefaultWeights for an unrecognized name.
func WeightsForProfile(p Profile) Weights {
	switch p {
	case ProfileConservative:
		return ConservativeWeights
	case ProfileAggressive:
		return AggressiveWeights
	default:
		return DefaultWeights
	}
}

// Recommendation is the analyzer's output for one rule.
type Recommendation struct {
	Strategy   Strategy
	Confidence float64
	Reason     string
	Score      int
}

// Analyzer is pure: Recommend(r) depends only on r's IR content, not on
// history or other rules (spec §4.2: "same IR → same recommendation").
type Analyzer struct {
	Weights Weights
}

func NewAnalyzer(w Weights) *Analyzer { return &Analyzer{Weights: w} }

// Recommend scores r and applies spec §4.2's ordered recommendation rules.
func (a *Analyzer) Recommend(r *ir.Rule) Recommendation {
	score, hasRegex, hasUntil, hasStringLiteral := a.score(r)

	simple := score < a.Weights.SimpleThreshold && !hasRegex && !hasUntil

	switch {
	case simple && hasStringLiteral:
		return Recommendation{Strategy: AcDfa, Confidence: 0.9, Reason: "simple rule with string literals", Score: score}
	case simple && r.Kind == ir.RuleSequence:
		return Recommendation{Strategy: LazyDfa, Confidence: 0.8, Reason: "simple sequence rule", Score: score}
	case hasStringLiteral:
		return Recommendation{Strategy: HybridAcNfa, Confidence: 0.7, Reason: "complex rule with string literals", Score: score}
	default:
		return Recommendation{Strategy: Nfa, Confidence: 0.95, Reason: "complex rule, no literal pre-filter available", Score: score}
	}
}

func (a *Analyzer) score(r *ir.Rule) (score int, hasRegex, hasUntil, hasStringLiteral bool) {
	w := a.Weights
	raw := 0

	if r.Kind == ir.RuleSequence && r.Seq != nil {
		raw += w.SequenceStep * len(r.Seq.Steps)
		if r.Seq.Until != "" {
			hasUntil = true
			raw += w.Until
		}
	}
	if len(r.Captures) > 0 {
		raw += w.Captures
	}

	for _, p := range r.Predicates {
		if len(p.RequiredRegex) > 0 {
			hasRegex = true
			raw += w.Regex * len(p.RequiredRegex)
		}
		if len(p.RequiredGlobs) > 0 {
			raw += w.Glob * len(p.RequiredGlobs)
		}
		nLiterals, nCalls := countNode(p.Root)
		if nLiterals > 0 {
			hasStringLiteral = true
		}
		raw += w.StringLiteral * nLiterals
		raw += w.FunctionCall * nCalls
	}

	score = raw
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, hasRegex, hasUntil, hasStringLiteral
}

// countNode walks a predicate DAG counting string literals and function
// calls, the two per-node signals spec §4.2's table contributes per
// occurrence rather than once per rule.
func countNode(n *ir.Node) (literals, calls int) {
	if n == nil {
		return 0, 0
	}
	if n.Kind == ir.NodeLiteral && n.Literal.Kind == event.KindString {
		literals++
	}
	if n.Kind == ir.NodeFuncCall {
		calls++
		for _, arg := range n.Args {
			l, c := countNode(arg)
			literals += l
			calls += c
		}
		return literals, calls
	}
	if n.Operand != nil {
		l, c := countNode(n.Operand)
		literals += l
		calls += c
	}
	if n.Left != nil {
		l, c := countNode(n.Left)
		literals += l
		calls += c
	}
	if n.Right != nil {
		l, c := countNode(n.Right)
		literals += l
		calls += c
	}
	if n.InValue != nil {
		l, c := countNode(n.InValue)
		literals += l
		calls += c
	}
	return literals, calls
}
