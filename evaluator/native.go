package evaluator

import (
	"path"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/ir"
)

// NativeEvaluator walks a predicate's Node DAG directly against an
// event.Event. It is the reference PredicateEvaluator implementation;
// sandboxed or remote evaluators satisfy the same interface without
// sharing this walking logic.
//
// regex() uses the standard library's regexp (RE2) rather than a
// hand-rolled engine: patterns are authored by trusted rule writers, not
// drawn from untrusted input, so RE2's linear-time guarantee buys nothing
// here that a simple compiled-once cache doesn't already provide. See
// DESIGN.md for the full justification.
type NativeEvaluator struct {
	mu         sync.RWMutex
	predicates map[Key]*ir.Predicate

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

func NewNativeEvaluator() *NativeEvaluator {
	return &NativeEvaluator{
		predicates: make(map[Key]*ir.Predicate),
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Register installs every predicate of a compiled rule under its rule id,
// making them reachable via Key{ruleID, predicateID}.
func (e *NativeEvaluator) Register(ruleID string, predicates map[ir.PredicateID]*ir.Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range predicates {
		e.predicates[Key{RuleID: ruleID, PredicateID: id}] = p
	}
}

// Unregister removes every predicate previously registered under ruleID.
func (e *NativeEvaluator) Unregister(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.predicates {
		if k.RuleID == ruleID {
			delete(e.predicates, k)
		}
	}
}

func (e *NativeEvaluator) lookup(key Key) (*ir.Predicate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.predicates[key]
	return p, ok
}

func (e *NativeEvaluator) HasPredicate(key Key) bool {
	_, ok := e.lookup(key)
	return ok
}

func (e *NativeEvaluator) RequiredFields(key Key) []event.FieldID {
	p, ok := e.lookup(key)
	if !ok {
		return nil
	}
	return p.RequiredFields
}

func (e *NativeEvaluator) Evaluate(key Key, ev event.Event) (bool, error) {
	p, ok := e.lookup(key)
	if !ok {
		return false, kerrors.New(kerrors.RuleNotFound, "no predicate registered for rule %q id %q", key.RuleID, key.PredicateID)
	}
	v, err := e.evalNode(p.Root, ev)
	if err != nil {
		return false, err
	}
	return v.Kind == event.KindBool && v.Bool, nil
}

func (e *NativeEvaluator) evalNode(n *ir.Node, ev event.Event) (event.Value, error) {
	switch n.Kind {
	case ir.NodeLiteral:
		return n.Literal, nil

	case ir.NodeLoadField:
		v, ok := ev.Get(n.FieldID)
		if !ok {
			return event.Null(), nil
		}
		return v, nil

	case ir.NodeUnaryOp:
		operand, err := e.evalNode(n.Operand, ev)
		if err != nil {
			return event.Value{}, err
		}
		switch n.UnaryOp {
		case ir.OpNot:
			return event.Bool(!(operand.Kind == event.KindBool && operand.Bool)), nil
		case ir.OpNeg:
			f, _ := operand.AsFloat()
			return event.F64(-f), nil
		}

	case ir.NodeBinaryOp:
		return e.evalBinary(n, ev)

	case ir.NodeFuncCall:
		return e.evalCall(n, ev)

	case ir.NodeIn:
		return e.evalIn(n, ev)
	}
	return event.Value{}, kerrors.New(kerrors.EvaluationError, "unhandled node kind %d", n.Kind)
}

func (e *NativeEvaluator) evalBinary(n *ir.Node, ev event.Event) (event.Value, error) {
	left, err := e.evalNode(n.Left, ev)
	if err != nil {
		return event.Value{}, err
	}

	switch n.BinaryOp {
	case ir.OpAnd:
		if !(left.Kind == event.KindBool && left.Bool) {
			return event.Bool(false), nil
		}
		right, err := e.evalNode(n.Right, ev)
		if err != nil {
			return event.Value{}, err
		}
		return event.Bool(right.Kind == event.KindBool && right.Bool), nil

	case ir.OpOr:
		if left.Kind == event.KindBool && left.Bool {
			return event.Bool(true), nil
		}
		right, err := e.evalNode(n.Right, ev)
		if err != nil {
			return event.Value{}, err
		}
		return event.Bool(right.Kind == event.KindBool && right.Bool), nil
	}

	right, err := e.evalNode(n.Right, ev)
	if err != nil {
		return event.Value{}, err
	}

	switch n.BinaryOp {
	case ir.OpEq:
		return event.Bool(valuesEqual(left, right)), nil
	case ir.OpNotEq:
		return event.Bool(!valuesEqual(left, right)), nil
	case ir.OpLess, ir.OpLessEq, ir.OpGreater, ir.OpGreaterEq:
		cmp, ok := compareValues(left, right)
		if !ok {
			return event.Bool(false), nil
		}
		switch n.BinaryOp {
		case ir.OpLess:
			return event.Bool(cmp < 0), nil
		case ir.OpLessEq:
			return event.Bool(cmp <= 0), nil
		case ir.OpGreater:
			return event.Bool(cmp > 0), nil
		default:
			return event.Bool(cmp >= 0), nil
		}
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpMod:
		lf, _ := left.AsFloat()
		rf, _ := right.AsFloat()
		switch n.BinaryOp {
		case ir.OpAdd:
			return event.F64(lf + rf), nil
		case ir.OpSub:
			return event.F64(lf - rf), nil
		case ir.OpMul:
			return event.F64(lf * rf), nil
		case ir.OpDiv:
			if rf == 0 {
				return event.Value{}, kerrors.New(kerrors.EvaluationError, "division by zero")
			}
			return event.F64(lf / rf), nil
		case ir.OpMod:
			if rf == 0 {
				return event.Value{}, kerrors.New(kerrors.EvaluationError, "modulo by zero")
			}
			li, ri := int64(lf), int64(rf)
			return event.I64(li % ri), nil
		}
	}
	return event.Value{}, kerrors.New(kerrors.EvaluationError, "unhandled binary op %d", n.BinaryOp)
}

func (e *NativeEvaluator) evalIn(n *ir.Node, ev event.Event) (event.Value, error) {
	v, err := e.evalNode(n.InValue, ev)
	if err != nil {
		return event.Value{}, err
	}
	for _, candidate := range n.InValues {
		if valuesEqual(v, candidate) {
			return event.Bool(true), nil
		}
	}
	return event.Bool(false), nil
}

var asciiFolder = cases.Fold()

func foldCase(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return asciiFolder.String(s)
		}
	}
	return strings.ToLower(s)
}

func (e *NativeEvaluator) evalCall(n *ir.Node, ev event.Event) (event.Value, error) {
	args := make([]event.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := e.evalNode(a, ev)
		if err != nil {
			return event.Value{}, err
		}
		args[i] = v
	}

	switch n.Func {
	case ir.FuncContains:
		a, _ := args[0].AsString()
		b, _ := args[1].AsString()
		return event.Bool(strings.Contains(a, b)), nil
	case ir.FuncStartsWith:
		a, _ := args[0].AsString()
		b, _ := args[1].AsString()
		return event.Bool(strings.HasPrefix(a, b)), nil
	case ir.FuncEndsWith:
		a, _ := args[0].AsString()
		b, _ := args[1].AsString()
		return event.Bool(strings.HasSuffix(a, b)), nil
	case ir.FuncStringEqualsCI:
		a, _ := args[0].AsString()
		b, _ := args[1].AsString()
		return event.Bool(foldCase(a) == foldCase(b)), nil
	case ir.FuncRegex:
		pattern, _ := args[0].AsString()
		text, _ := args[1].AsString()
		re, err := e.compileRegex(pattern)
		if err != nil {
			return event.Value{}, err
		}
		return event.Bool(re.MatchString(text)), nil
	case ir.FuncWildcard:
		pattern, _ := args[0].AsString()
		text, _ := args[1].AsString()
		matched, err := path.Match(pattern, text)
		if err != nil {
			return event.Value{}, kerrors.Wrap(kerrors.EvaluationError, err, "invalid wildcard pattern %q", pattern)
		}
		return event.Bool(matched), nil
	}
	return event.Value{}, kerrors.New(kerrors.UnsupportedFunction, "unhandled function %s", n.Func)
}

func (e *NativeEvaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidPattern, err, "compiling regex %q", pattern)
	}
	e.regexCache[pattern] = re
	return re, nil
}

func isNumeric(k event.ValueKind) bool {
	return k == event.KindI64 || k == event.KindU64 || k == event.KindF64
}

func valuesEqual(a, b event.Value) bool {
	if a.Kind == event.KindNull || b.Kind == event.KindNull {
		return a.Kind == event.KindNull && b.Kind == event.KindNull
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return af == bf
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case event.KindBool:
		return a.Bool == b.Bool
	case event.KindString:
		return a.Str == b.Str
	case event.KindBytes:
		return string(a.Byte) == string(b.Byte)
	case event.KindArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !valuesEqual(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// compareValues returns (-1|0|1, true) for orderable pairs (both numeric,
// or both string), and (_, false) when the pair can't be ordered — the
// caller treats that as a false relational result rather than an error,
// matching the "recover locally" spirit of spec §7's runtime errors.
func compareValues(a, b event.Value) (int, bool) {
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if a.Kind == event.KindString && b.Kind == event.KindString {
		return strings.Compare(a.Str, b.Str), true
	}
	return 0, false
}
