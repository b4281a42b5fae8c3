package eql

import (
	"strconv"
)

// Parse turns EQL source text into a Query. It never panics: malformed
// input always yields a *kerrors.Error of kind SyntaxError.
func Parse(src string) (Query, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, syntaxErrf(p.tok.line, p.tok.col, "unexpected trailing input %q", p.tok.text)
	}
	return q, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expectIdent(word string) error {
	if p.tok.kind != tokIdent || p.tok.text != word {
		return syntaxErrf(p.tok.line, p.tok.col, "expected %q, found %q", word, p.tok.text)
	}
	return p.advance()
}

func (p *parser) isIdent(word string) bool {
	return p.tok.kind == tokIdent && p.tok.text == word
}

func (p *parser) parseQuery() (Query, error) {
	if p.isIdent("sequence") {
		return p.parseSequenceQuery()
	}
	return p.parseEventQuery()
}

func (p *parser) parseEventQuery() (Query, error) {
	eventType, err := p.parseDottedIdent()
	if err != nil {
		return nil, err
	}
	eq := &EventQuery{EventType: eventType}
	if p.isIdent("where") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		eq.Condition = cond
	}
	return eq, nil
}

func (p *parser) parseSequenceQuery() (Query, error) {
	if err := p.expectIdent("sequence"); err != nil {
		return nil, err
	}
	if err := p.expectIdent("by"); err != nil {
		return nil, err
	}
	byField, err := p.parseDottedIdent()
	if err != nil {
		return nil, err
	}

	sq := &SequenceQuery{ByField: byField}

	for p.tok.kind == tokLBracket {
		step, err := p.parseSeqStep()
		if err != nil {
			return nil, err
		}
		sq.Steps = append(sq.Steps, step)
	}
	if len(sq.Steps) == 0 {
		return nil, syntaxErrf(p.tok.line, p.tok.col, "sequence requires at least one step")
	}

	if p.isIdent("with") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectIdent("maxspan"); err != nil {
			return nil, err
		}
		if p.tok.kind != tokAssign {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected '=' after maxspan")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		dur, err := p.parseDuration()
		if err != nil {
			return nil, err
		}
		sq.Maxspan = dur
	}

	if p.isIdent("until") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokLBracket {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected '[' after until")
		}
		step, err := p.parseSeqStep()
		if err != nil {
			return nil, err
		}
		sq.Until = &step
	}

	return sq, nil
}

func (p *parser) parseSeqStep() (SeqStep, error) {
	if p.tok.kind != tokLBracket {
		return SeqStep{}, syntaxErrf(p.tok.line, p.tok.col, "expected '['")
	}
	if err := p.advance(); err != nil {
		return SeqStep{}, err
	}
	eventType, err := p.parseDottedIdent()
	if err != nil {
		return SeqStep{}, err
	}
	step := SeqStep{EventType: eventType}
	if p.isIdent("where") {
		if err := p.advance(); err != nil {
			return SeqStep{}, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return SeqStep{}, err
		}
		step.Condition = cond
	}
	if p.tok.kind != tokRBracket {
		return SeqStep{}, syntaxErrf(p.tok.line, p.tok.col, "expected ']', found %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return SeqStep{}, err
	}
	return step, nil
}

func (p *parser) parseDottedIdent() (string, error) {
	if p.tok.kind != tokIdent {
		return "", syntaxErrf(p.tok.line, p.tok.col, "expected identifier, found %q", p.tok.text)
	}
	name := p.tok.text
	if err := p.advance(); err != nil {
		return "", err
	}
	for p.tok.kind == tokDot {
		if err := p.advance(); err != nil {
			return "", err
		}
		if p.tok.kind != tokIdent {
			return "", syntaxErrf(p.tok.line, p.tok.col, "expected identifier after '.'")
		}
		name += "." + p.tok.text
		if err := p.advance(); err != nil {
			return "", err
		}
	}
	return name, nil
}

func (p *parser) parseDuration() (*Duration, error) {
	if p.tok.kind != tokDuration {
		return nil, syntaxErrf(p.tok.line, p.tok.col, "expected duration literal (e.g. 500ms), found %q", p.tok.text)
	}
	text := p.tok.text
	var numLen int
	for numLen < len(text) && text[numLen] >= '0' && text[numLen] <= '9' {
		numLen++
	}
	n, err := strconv.ParseUint(text[:numLen], 10, 64)
	if err != nil {
		return nil, syntaxErrf(p.tok.line, p.tok.col, "invalid duration %q", text)
	}
	unit := text[numLen:]
	var ms uint64
	switch unit {
	case "ms":
		ms = n
	case "s":
		ms = n * 1000
	case "m":
		ms = n * 60 * 1000
	case "h":
		ms = n * 60 * 60 * 1000
	default:
		return nil, syntaxErrf(p.tok.line, p.tok.col, "unknown duration unit %q", unit)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Duration{Milliseconds: ms}, nil
}

// Expression grammar, lowest to highest precedence:
//
//	expr    := or
//	or      := and ( "or" and )*
//	and     := not ( "and" not )*
//	not     := "not" not | cmp
//	cmp     := addsub ( ("=="|"!="|"<"|"<="|">"|">=") addsub | "in" "(" list ")" )?
//	addsub  := muldiv ( ("+"|"-") muldiv )*
//	muldiv  := unary ( ("*"|"/"|"%") unary )*
//	unary   := "-" unary | primary
//	primary := literal | fieldref | call | "(" expr ")"

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isIdent("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isIdent("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isIdent("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "not", Operand: operand}, nil
	}
	return p.parseCmp()
}

var cmpOps = map[tokenKind]string{
	tokEq: "==", tokNotEq: "!=", tokLess: "<", tokLessEq: "<=",
	tokGreater: ">", tokGreaterEq: ">=",
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	if op, ok := cmpOps[p.tok.kind]; ok {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, Left: left, Right: right}, nil
	}
	if p.isIdent("in") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokLParen {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected '(' after 'in'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		var values []Expr
		for p.tok.kind != tokRParen {
			v, err := p.parseAddSub()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.tok.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if p.tok.kind != tokRParen {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected ')' to close 'in' list")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &In{Value: left, Values: values}, nil
	}
	return left, nil
}

func (p *parser) parseAddSub() (Expr, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := "+"
		if p.tok.kind == tokMinus {
			op = "-"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMulDiv() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokStar || p.tok.kind == tokSlash || p.tok.kind == tokPercent {
		op := map[tokenKind]string{tokStar: "*", tokSlash: "/", tokPercent: "%"}[p.tok.kind]
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.kind == tokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "neg", Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	switch p.tok.kind {
	case tokInt:
		n, err := strconv.ParseInt(p.tok.text, 10, 64)
		if err != nil {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "invalid integer %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LitInt{Value: n}, nil

	case tokFloat:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "invalid float %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LitFloat{Value: f}, nil

	case tokString:
		s := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LitString{Value: s}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Paren{Inner: inner}, nil

	case tokIdent:
		switch p.tok.text {
		case "true":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &LitBool{Value: true}, nil
		case "false":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &LitBool{Value: false}, nil
		case "null":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &LitNull{}, nil
		}
		return p.parseIdentOrCall()

	default:
		return nil, syntaxErrf(p.tok.line, p.tok.col, "unexpected token %q", p.tok.text)
	}
}

func (p *parser) parseIdentOrCall() (Expr, error) {
	name := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Expr
		for p.tok.kind != tokRParen {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.tok.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if p.tok.kind != tokRParen {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected ')' to close call to %q", name)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Call{Func: name, Args: args}, nil
	}

	path := name
	for p.tok.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, syntaxErrf(p.tok.line, p.tok.col, "expected identifier after '.'")
		}
		path += "." + p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return &FieldRef{Path: path}, nil
}
