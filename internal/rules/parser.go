// Package rules implements the per-operation rule mini-language: boolean
// expressions over request identity, request body and the current record.
//
// Grammar (recursive descent; && binds tighter than ||):
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := cmp ("&&" cmp)*
//	cmp     := operand (("=" | "!=" | "<" | "<=" | ">" | ">=") operand)?
//	operand := literal | reference | "(" expr ")"
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrSyntax is returned for rules that do not parse. Malformed rules always
// deny.
var ErrSyntax = errors.New("invalid rule syntax")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokString
	tokNumber
	tokBool
	tokIdent // bare identifier or @-reference
	tokOp    // comparison operator
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	b    bool
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}

	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '&':
		if strings.HasPrefix(l.input[l.pos:], "&&") {
			l.pos += 2
			return token{kind: tokAnd}, nil
		}
		return token{}, fmt.Errorf("%w: stray '&'", ErrSyntax)
	case c == '|':
		if strings.HasPrefix(l.input[l.pos:], "||") {
			l.pos += 2
			return token{kind: tokOr}, nil
		}
		return token{}, fmt.Errorf("%w: stray '|'", ErrSyntax)
	case c == '=':
		l.pos++
		return token{kind: tokOp, text: "="}, nil
	case c == '!':
		if strings.HasPrefix(l.input[l.pos:], "!=") {
			l.pos += 2
			return token{kind: tokOp, text: "!="}, nil
		}
		return token{}, fmt.Errorf("%w: stray '!'", ErrSyntax)
	case c == '<' || c == '>':
		op := string(c)
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			op += "="
			l.pos++
		}
		return token{kind: tokOp, text: op}, nil
	case c >= '0' && c <= '9' || c == '-':
		return l.lexNumber()
	case c == '@' || c == '_' || unicode.IsLetter(rune(c)):
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("%w: unexpected character %q", ErrSyntax, c)
}

func (l *lexer) lexString(quote byte) (token, error) {
	l.pos++ // opening quote
	start := l.pos
	for l.pos < len(l.input) {
		if l.input[l.pos] == quote {
			s := l.input[start:l.pos]
			l.pos++
			return token{kind: tokString, text: s}, nil
		}
		l.pos++
	}
	return token{}, fmt.Errorf("%w: unterminated string", ErrSyntax)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
		l.pos++
	}
	n, err := strconv.ParseFloat(l.input[start:l.pos], 64)
	if err != nil {
		return token{}, fmt.Errorf("%w: bad number %q", ErrSyntax, l.input[start:l.pos])
	}
	return token{kind: tokNumber, num: n}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if c == '@' || c == '.' || c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	switch text {
	case "true":
		return token{kind: tokBool, b: true}, nil
	case "false":
		return token{kind: tokBool, b: false}, nil
	}
	return token{kind: tokIdent, text: text}, nil
}

// Expr is a parsed rule expression node.
type Expr interface {
	eval(ctx *EvalContext) any
}

type literalExpr struct{ value any }

type refExpr struct{ name string }

type cmpExpr struct {
	op          string
	left, right Expr
}

type logicExpr struct {
	and         bool
	left, right Expr
}

type parser struct {
	lex  *lexer
	tok  token
	err  error
	next token
	has  bool
}

func (p *parser) advance() token {
	if p.has {
		p.has = false
		p.tok = p.next
		return p.tok
	}
	t, err := p.lex.next()
	if err != nil && p.err == nil {
		p.err = err
	}
	p.tok = t
	return t
}

func (p *parser) peek() token {
	if !p.has {
		t, err := p.lex.next()
		if err != nil && p.err == nil {
			p.err = err
		}
		p.next = t
		p.has = true
	}
	return p.next
}

// Parse parses a rule string into an expression tree.
func Parse(rule string) (Expr, error) {
	p := &parser{lex: &lexer{input: rule}}
	expr := p.parseOr()
	if p.err != nil {
		return nil, p.err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: trailing input", ErrSyntax)
	}
	return expr, nil
}

func (p *parser) parseOr() Expr {
	left := p.parseAnd()
	for p.err == nil && p.peek().kind == tokOr {
		p.advance()
		right := p.parseAnd()
		left = &logicExpr{and: false, left: left, right: right}
	}
	return left
}

func (p *parser) parseAnd() Expr {
	left := p.parseCmp()
	for p.err == nil && p.peek().kind == tokAnd {
		p.advance()
		right := p.parseCmp()
		left = &logicExpr{and: true, left: left, right: right}
	}
	return left
}

func (p *parser) parseCmp() Expr {
	left := p.parseOperand()
	if p.err == nil && p.peek().kind == tokOp {
		op := p.advance().text
		right := p.parseOperand()
		return &cmpExpr{op: op, left: left, right: right}
	}
	return left
}

func (p *parser) parseOperand() Expr {
	switch t := p.advance(); t.kind {
	case tokString:
		return &literalExpr{value: t.text}
	case tokNumber:
		return &literalExpr{value: t.num}
	case tokBool:
		return &literalExpr{value: t.b}
	case tokIdent:
		return &refExpr{name: t.text}
	case tokLParen:
		expr := p.parseOr()
		if p.advance().kind != tokRParen && p.err == nil {
			p.err = fmt.Errorf("%w: missing ')'", ErrSyntax)
		}
		return expr
	default:
		if p.err == nil {
			p.err = fmt.Errorf("%w: unexpected token", ErrSyntax)
		}
		return &literalExpr{value: false}
	}
}
