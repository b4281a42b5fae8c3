package eql

import (
	"fmt"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/schema"
)

// valType is the analyzer's internal notion of a value's static type, used
// only to enforce the type-checking rules from spec §4.1. It is coarser
// than schema.DataType: all numeric kinds (i64/u64/f64) collapse to
// typeNumeric, since arithmetic and comparison treat them uniformly.
type valType uint8

const (
	typeUnknown valType = iota
	typeBool
	typeNumeric
	typeString
	typeBytes
	typeArray
	typeNull
)

func (t valType) String() string {
	switch t {
	case typeBool:
		return "bool"
	case typeNumeric:
		return "numeric"
	case typeString:
		return "string"
	case typeBytes:
		return "bytes"
	case typeArray:
		return "array"
	case typeNull:
		return "null"
	default:
		return "unknown"
	}
}

func fromDataType(dt schema.DataType) valType {
	switch dt {
	case schema.TypeI64, schema.TypeU64, schema.TypeF64:
		return typeNumeric
	case schema.TypeBool:
		return typeBool
	case schema.TypeString:
		return typeString
	case schema.TypeBytes:
		return typeBytes
	case schema.TypeArray:
		return typeArray
	default:
		return typeNull
	}
}

// compatible implements the "operand types must be compatible" rule used
// for equality/relational operators and `in` membership: same type, or one
// side null, or both numeric.
func compatible(a, b valType) bool {
	if a == b {
		return true
	}
	if a == typeNull || b == typeNull {
		return true
	}
	if a == typeNumeric && b == typeNumeric {
		return true
	}
	if a == typeUnknown || b == typeUnknown {
		return true
	}
	return false
}

// Analyzer walks an EQL AST and produces a backend-neutral ir.Rule,
// resolving every field and event type reference against a schema.Registry.
type Analyzer struct {
	Registry schema.Registry
	// AllowDynamicFields, when true, lets unknown field paths be allocated a
	// fresh id instead of failing with UnknownField. Strategies that need a
	// closed schema (e.g. AcDfa pattern extraction) should leave this false.
	AllowDynamicFields bool
}

func NewAnalyzer(reg schema.Registry) *Analyzer {
	return &Analyzer{Registry: reg}
}

// predCtx accumulates the metadata a Predicate carries once its DAG is
// fully built: every field it loads and every regex/glob literal a
// regex()/wildcard() call requires.
type predCtx struct {
	fields     []event.FieldID
	seenFields map[event.FieldID]bool
	regex      []string
	globs      []string
}

func newPredCtx() *predCtx {
	return &predCtx{seenFields: make(map[event.FieldID]bool)}
}

func (c *predCtx) addField(id event.FieldID) {
	if !c.seenFields[id] {
		c.seenFields[id] = true
		c.fields = append(c.fields, id)
	}
}

// Analyze compiles a parsed Query into an ir.Rule.
func (a *Analyzer) Analyze(ruleID, ruleName string, q Query) (*ir.Rule, error) {
	switch query := q.(type) {
	case *EventQuery:
		return a.analyzeEventQuery(ruleID, ruleName, query)
	case *SequenceQuery:
		return a.analyzeSequenceQuery(ruleID, ruleName, query)
	default:
		return nil, kerrors.New(kerrors.CompilationFailed, "unrecognized query type %T", q)
	}
}

func (a *Analyzer) analyzeEventQuery(ruleID, ruleName string, q *EventQuery) (*ir.Rule, error) {
	typeID, ok := a.Registry.EventTypeID(q.EventType)
	if !ok {
		return nil, kerrors.New(kerrors.UnknownEventType, "unknown event type %q", q.EventType)
	}

	ctx := newPredCtx()
	var root *ir.Node
	if q.Condition == nil {
		root = &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}
	} else {
		node, t, err := a.buildNode(q.Condition, ctx)
		if err != nil {
			return nil, err
		}
		if t != typeBool && t != typeUnknown {
			return nil, kerrors.New(kerrors.TypeMismatch, "event condition must be bool, got %s", t)
		}
		root = node
	}

	pred := &ir.Predicate{
		ID:             ir.MainPredicateID,
		EventType:      typeID,
		Root:           root,
		RequiredFields: ctx.fields,
		RequiredRegex:  ctx.regex,
		RequiredGlobs:  ctx.globs,
	}

	return &ir.Rule{
		RuleID:   ruleID,
		RuleName: ruleName,
		Kind:     ir.RuleSingleEvent,
		EventType: typeID,
		Predicates: map[ir.PredicateID]*ir.Predicate{
			ir.MainPredicateID: pred,
		},
	}, nil
}

func (a *Analyzer) analyzeSequenceQuery(ruleID, ruleName string, q *SequenceQuery) (*ir.Rule, error) {
	byFieldID, ok := a.Registry.FieldID(q.ByField)
	if !ok {
		if !a.AllowDynamicFields {
			return nil, kerrors.New(kerrors.UnknownField, "unknown field %q", q.ByField)
		}
		byFieldID = a.Registry.AllocateField(q.ByField, schema.TypeU64)
	}

	rule := &ir.Rule{
		RuleID:     ruleID,
		RuleName:   ruleName,
		Kind:       ir.RuleSequence,
		Predicates: make(map[ir.PredicateID]*ir.Predicate),
	}

	steps := make([]ir.Step, 0, len(q.Steps))
	for i, s := range q.Steps {
		predID := ir.PredicateID(fmt.Sprintf("step%d", i))
		pred, typeID, err := a.analyzeStep(predID, s)
		if err != nil {
			return nil, err
		}
		rule.Predicates[predID] = pred
		steps = append(steps, ir.Step{Index: i, EventType: typeID, Predicate: predID})
	}

	seq := &ir.Sequence{ByFieldID: byFieldID, Steps: steps}
	if q.Maxspan != nil {
		seq.MaxspanMS = q.Maxspan.Milliseconds
	}
	if q.Until != nil {
		pred, _, err := a.analyzeStep(ir.UntilPredicateID, *q.Until)
		if err != nil {
			return nil, err
		}
		rule.Predicates[ir.UntilPredicateID] = pred
		seq.Until = ir.UntilPredicateID
	}
	rule.Seq = seq

	return rule, nil
}

func (a *Analyzer) analyzeStep(id ir.PredicateID, s SeqStep) (*ir.Predicate, event.EventTypeID, error) {
	typeID, ok := a.Registry.EventTypeID(s.EventType)
	if !ok {
		return nil, 0, kerrors.New(kerrors.UnknownEventType, "unknown event type %q", s.EventType)
	}

	ctx := newPredCtx()
	var root *ir.Node
	if s.Condition == nil {
		root = &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(true)}
	} else {
		node, t, err := a.buildNode(s.Condition, ctx)
		if err != nil {
			return nil, 0, err
		}
		if t != typeBool && t != typeUnknown {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "step condition must be bool, got %s", t)
		}
		root = node
	}

	return &ir.Predicate{
		ID:             id,
		EventType:      typeID,
		Root:           root,
		RequiredFields: ctx.fields,
		RequiredRegex:  ctx.regex,
		RequiredGlobs:  ctx.globs,
	}, typeID, nil
}

// buildNode recursively lowers an eql.Expr into an ir.Node, returning the
// node's inferred static type for the caller's type-checking rule.
func (a *Analyzer) buildNode(e Expr, ctx *predCtx) (*ir.Node, valType, error) {
	switch expr := e.(type) {
	case *Paren:
		return a.buildNode(expr.Inner, ctx)

	case *LitBool:
		return &ir.Node{Kind: ir.NodeLiteral, Literal: event.Bool(expr.Value)}, typeBool, nil
	case *LitInt:
		return &ir.Node{Kind: ir.NodeLiteral, Literal: event.I64(expr.Value)}, typeNumeric, nil
	case *LitFloat:
		return &ir.Node{Kind: ir.NodeLiteral, Literal: event.F64(expr.Value)}, typeNumeric, nil
	case *LitString:
		return &ir.Node{Kind: ir.NodeLiteral, Literal: event.String(expr.Value)}, typeString, nil
	case *LitNull:
		return &ir.Node{Kind: ir.NodeLiteral, Literal: event.Null()}, typeNull, nil

	case *FieldRef:
		fieldID, ok := a.Registry.FieldID(expr.Path)
		var t valType
		if !ok {
			if !a.AllowDynamicFields {
				return nil, 0, kerrors.New(kerrors.UnknownField, "unknown field %q", expr.Path)
			}
			fieldID = a.Registry.AllocateField(expr.Path, schema.TypeString)
			t = typeUnknown
		} else if def, ok := a.Registry.Field(fieldID); ok {
			t = fromDataType(def.DataType)
		} else {
			t = typeUnknown
		}
		ctx.addField(fieldID)
		return &ir.Node{Kind: ir.NodeLoadField, FieldID: fieldID}, t, nil

	case *Unary:
		operand, t, err := a.buildNode(expr.Operand, ctx)
		if err != nil {
			return nil, 0, err
		}
		switch expr.Op {
		case "not":
			if t != typeBool && t != typeUnknown {
				return nil, 0, kerrors.New(kerrors.TypeMismatch, "'not' requires bool operand, got %s", t)
			}
			return &ir.Node{Kind: ir.NodeUnaryOp, UnaryOp: ir.OpNot, Operand: operand}, typeBool, nil
		case "neg":
			if t != typeNumeric && t != typeUnknown {
				return nil, 0, kerrors.New(kerrors.TypeMismatch, "unary '-' requires numeric operand, got %s", t)
			}
			return &ir.Node{Kind: ir.NodeUnaryOp, UnaryOp: ir.OpNeg, Operand: operand}, typeNumeric, nil
		default:
			return nil, 0, kerrors.New(kerrors.CompilationFailed, "unknown unary operator %q", expr.Op)
		}

	case *Binary:
		return a.buildBinary(expr, ctx)

	case *Call:
		return a.buildCall(expr, ctx)

	case *In:
		return a.buildIn(expr, ctx)

	default:
		return nil, 0, kerrors.New(kerrors.CompilationFailed, "unhandled expression type %T", e)
	}
}

var logicalOps = map[string]ir.BinaryOp{"and": ir.OpAnd, "or": ir.OpOr}
var cmpIrOps = map[string]ir.BinaryOp{
	"==": ir.OpEq, "!=": ir.OpNotEq, "<": ir.OpLess, "<=": ir.OpLessEq,
	">": ir.OpGreater, ">=": ir.OpGreaterEq,
}
var arithOps = map[string]ir.BinaryOp{"+": ir.OpAdd, "-": ir.OpSub, "*": ir.OpMul, "/": ir.OpDiv, "%": ir.OpMod}

func (a *Analyzer) buildBinary(expr *Binary, ctx *predCtx) (*ir.Node, valType, error) {
	left, lt, err := a.buildNode(expr.Left, ctx)
	if err != nil {
		return nil, 0, err
	}
	right, rt, err := a.buildNode(expr.Right, ctx)
	if err != nil {
		return nil, 0, err
	}

	if op, ok := logicalOps[expr.Op]; ok {
		if (lt != typeBool && lt != typeUnknown) || (rt != typeBool && rt != typeUnknown) {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "'%s' requires bool operands, got %s and %s", expr.Op, lt, rt)
		}
		return &ir.Node{Kind: ir.NodeBinaryOp, BinaryOp: op, Left: left, Right: right}, typeBool, nil
	}

	if op, ok := cmpIrOps[expr.Op]; ok {
		if !compatible(lt, rt) {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "incompatible operand types for '%s': %s vs %s", expr.Op, lt, rt)
		}
		return &ir.Node{Kind: ir.NodeBinaryOp, BinaryOp: op, Left: left, Right: right}, typeBool, nil
	}

	if op, ok := arithOps[expr.Op]; ok {
		if (lt != typeNumeric && lt != typeUnknown) || (rt != typeNumeric && rt != typeUnknown) {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "'%s' requires numeric operands, got %s and %s", expr.Op, lt, rt)
		}
		return &ir.Node{Kind: ir.NodeBinaryOp, BinaryOp: op, Left: left, Right: right}, typeNumeric, nil
	}

	return nil, 0, kerrors.New(kerrors.CompilationFailed, "unknown binary operator %q", expr.Op)
}

// builtinSig describes a builtin function's fixed arity and argument types,
// used to validate Call expressions per spec §4.1.
type builtinSig struct {
	fn    ir.Function
	arity int
	args  []valType // typeUnknown entries accept anything
}

var builtins = map[string]builtinSig{
	"contains":       {ir.FuncContains, 2, []valType{typeString, typeString}},
	"startsWith":     {ir.FuncStartsWith, 2, []valType{typeString, typeString}},
	"endsWith":       {ir.FuncEndsWith, 2, []valType{typeString, typeString}},
	"regex":          {ir.FuncRegex, 2, []valType{typeString, typeString}},
	"wildcard":       {ir.FuncWildcard, 2, []valType{typeString, typeString}},
	"stringEqualsCi": {ir.FuncStringEqualsCI, 2, []valType{typeString, typeString}},
}

func (a *Analyzer) buildCall(expr *Call, ctx *predCtx) (*ir.Node, valType, error) {
	sig, ok := builtins[expr.Func]
	if !ok {
		return nil, 0, kerrors.New(kerrors.UnsupportedFunction, "unknown function %q", expr.Func)
	}
	if len(expr.Args) != sig.arity {
		return nil, 0, kerrors.New(kerrors.TypeMismatch, "%s expects %d argument(s), got %d", expr.Func, sig.arity, len(expr.Args))
	}

	args := make([]*ir.Node, len(expr.Args))
	for i, a2 := range expr.Args {
		node, t, err := a.buildNode(a2, ctx)
		if err != nil {
			return nil, 0, err
		}
		want := sig.args[i]
		if want != typeUnknown && t != typeUnknown && t != want {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "%s argument %d must be %s, got %s", expr.Func, i, want, t)
		}
		args[i] = node
	}

	switch sig.fn {
	case ir.FuncRegex:
		if lit, ok := expr.Args[0].(*LitString); ok {
			ctx.regex = append(ctx.regex, lit.Value)
		}
	case ir.FuncWildcard:
		if lit, ok := expr.Args[0].(*LitString); ok {
			ctx.globs = append(ctx.globs, lit.Value)
		}
	}

	return &ir.Node{Kind: ir.NodeFuncCall, Func: sig.fn, Args: args}, typeBool, nil
}

func (a *Analyzer) buildIn(expr *In, ctx *predCtx) (*ir.Node, valType, error) {
	value, vt, err := a.buildNode(expr.Value, ctx)
	if err != nil {
		return nil, 0, err
	}
	values := make([]event.Value, len(expr.Values))
	for i, v := range expr.Values {
		node, t, err := a.buildNode(v, ctx)
		if err != nil {
			return nil, 0, err
		}
		if !compatible(vt, t) {
			return nil, 0, kerrors.New(kerrors.TypeMismatch, "'in' list element %d has incompatible type %s vs %s", i, t, vt)
		}
		if node.Kind != ir.NodeLiteral {
			return nil, 0, kerrors.New(kerrors.CompilationFailed, "'in' list elements must be literals")
		}
		values[i] = node.Literal
	}
	return &ir.Node{Kind: ir.NodeIn, InValue: value, InValues: values}, typeBool, nil
}
