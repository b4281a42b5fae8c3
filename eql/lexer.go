// Package eql implements the recursive-descent parser and semantic analyzer
// that turn EQL rule text into a backend-neutral ir.Rule.
//
// The grammar is LL(1)-ish and hand-written rather than generated: EQL is
// small enough (two top-level query shapes, one expression grammar) that a
// generated parser would add a dependency for no real benefit. The lexer
// never panics; every error surfaces as a *kerrors.Error of kind
// SyntaxError carrying a one-line span.
package eql

import (
	"fmt"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokDuration // e.g. 500ms, 5s, 1m
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokEq       // ==
	tokNotEq    // !=
	tokLess     // <
	tokLessEq   // <=
	tokGreater  // >
	tokGreaterEq
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokAssign // =
)

type token struct {
	kind tokenKind
	text string
	// line/col are 1-based, used to build error spans.
	line, col int
}

func (t token) String() string {
	return fmt.Sprintf("%q@%d:%d", t.text, t.line, t.col)
}

var keywords = map[string]bool{
	"where": true, "sequence": true, "by": true, "with": true,
	"maxspan": true, "until": true, "and": true, "or": true, "not": true,
	"in": true, "true": true, "false": true, "null": true,
}

// lexer tokenizes EQL source text.
type lexer struct {
	src        []rune
	pos        int
	line, col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1, col: 1}
}

func (l *lexer) peekRune() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) peekRuneAt(offset int) rune {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) advance() rune {
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		r := l.peekRune()
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			l.advance()
			continue
		}
		if r == '/' && l.peekRuneAt(1) == '/' {
			for l.pos < len(l.src) && l.peekRune() != '\n' {
				l.advance()
			}
			continue
		}
		break
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentCont(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// next returns the next token, or a *kerrors.Error of kind SyntaxError on
// malformed input (e.g. an unterminated string).
func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line, col: l.col}, nil
	}

	startLine, startCol := l.line, l.col
	r := l.peekRune()

	switch {
	case isIdentStart(r):
		var b strings.Builder
		for l.pos < len(l.src) && isIdentCont(l.peekRune()) {
			b.WriteRune(l.advance())
		}
		// dotted identifiers are lexed greedily as part of the primary
		// parser rule (field reference), not here, so '.' is its own token.
		return token{kind: tokIdent, text: b.String(), line: startLine, col: startCol}, nil

	case r == '"' || r == '\'':
		return l.lexString(startLine, startCol)

	case isDigit(r):
		return l.lexNumber(startLine, startCol)

	case r == '(':
		l.advance()
		return token{kind: tokLParen, text: "(", line: startLine, col: startCol}, nil
	case r == ')':
		l.advance()
		return token{kind: tokRParen, text: ")", line: startLine, col: startCol}, nil
	case r == '[':
		l.advance()
		return token{kind: tokLBracket, text: "[", line: startLine, col: startCol}, nil
	case r == ']':
		l.advance()
		return token{kind: tokRBracket, text: "]", line: startLine, col: startCol}, nil
	case r == ',':
		l.advance()
		return token{kind: tokComma, text: ",", line: startLine, col: startCol}, nil
	case r == '.':
		l.advance()
		return token{kind: tokDot, text: ".", line: startLine, col: startCol}, nil
	case r == '+':
		l.advance()
		return token{kind: tokPlus, text: "+", line: startLine, col: startCol}, nil
	case r == '-':
		l.advance()
		return token{kind: tokMinus, text: "-", line: startLine, col: startCol}, nil
	case r == '*':
		l.advance()
		return token{kind: tokStar, text: "*", line: startLine, col: startCol}, nil
	case r == '/':
		l.advance()
		return token{kind: tokSlash, text: "/", line: startLine, col: startCol}, nil
	case r == '%':
		l.advance()
		return token{kind: tokPercent, text: "%", line: startLine, col: startCol}, nil
	case r == '=':
		l.advance()
		if l.peekRune() == '=' {
			l.advance()
			return token{kind: tokEq, text: "==", line: startLine, col: startCol}, nil
		}
		return token{kind: tokAssign, text: "=", line: startLine, col: startCol}, nil
	case r == '!':
		l.advance()
		if l.peekRune() == '=' {
			l.advance()
			return token{kind: tokNotEq, text: "!=", line: startLine, col: startCol}, nil
		}
		return token{}, syntaxErrf(startLine, startCol, "unexpected character %q", r)
	case r == '<':
		l.advance()
		if l.peekRune() == '=' {
			l.advance()
			return token{kind: tokLessEq, text: "<=", line: startLine, col: startCol}, nil
		}
		return token{kind: tokLess, text: "<", line: startLine, col: startCol}, nil
	case r == '>':
		l.advance()
		if l.peekRune() == '=' {
			l.advance()
			return token{kind: tokGreaterEq, text: ">=", line: startLine, col: startCol}, nil
		}
		return token{kind: tokGreater, text: ">", line: startLine, col: startCol}, nil
	}

	return token{}, syntaxErrf(startLine, startCol, "unexpected character %q", r)
}

func (l *lexer) lexString(startLine, startCol int) (token, error) {
	quote := l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, syntaxErrf(startLine, startCol, "unterminated string literal")
		}
		r := l.advance()
		if r == quote {
			break
		}
		if r == '\\' && l.pos < len(l.src) {
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case '\\', '"', '\'':
				b.WriteRune(esc)
			default:
				b.WriteRune(esc)
			}
			continue
		}
		b.WriteRune(r)
	}
	return token{kind: tokString, text: b.String(), line: startLine, col: startCol}, nil
}

func (l *lexer) lexNumber(startLine, startCol int) (token, error) {
	var b strings.Builder
	isFloat := false
	for l.pos < len(l.src) && isDigit(l.peekRune()) {
		b.WriteRune(l.advance())
	}
	if l.peekRune() == '.' && isDigit(l.peekRuneAt(1)) {
		isFloat = true
		b.WriteRune(l.advance())
		for l.pos < len(l.src) && isDigit(l.peekRune()) {
			b.WriteRune(l.advance())
		}
	}
	// Duration suffix: ms, s, m, h (only valid directly after an integer).
	if !isFloat {
		suffix := l.peekDurationSuffix()
		if suffix != "" {
			for range suffix {
				l.advance()
			}
			return token{kind: tokDuration, text: b.String() + suffix, line: startLine, col: startCol}, nil
		}
	}
	if isFloat {
		return token{kind: tokFloat, text: b.String(), line: startLine, col: startCol}, nil
	}
	return token{kind: tokInt, text: b.String(), line: startLine, col: startCol}, nil
}

func (l *lexer) peekDurationSuffix() string {
	switch {
	case l.peekRune() == 'm' && l.peekRuneAt(1) == 's' && !isIdentCont(l.peekRuneAt(2)):
		return "ms"
	case l.peekRune() == 's' && !isIdentCont(l.peekRuneAt(1)):
		return "s"
	case l.peekRune() == 'm' && !isIdentCont(l.peekRuneAt(1)):
		return "m"
	case l.peekRune() == 'h' && !isIdentCont(l.peekRuneAt(1)):
		return "h"
	default:
		return ""
	}
}
