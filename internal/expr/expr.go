// Package expr implements the arithmetic micro-language used in rule
// expressions.
//
// The grammar is deliberately small: decimal numbers, + - * /, unary minus,
// and parentheses. Rule text is placeholder-resolved before it reaches this
// package, so the evaluator only ever sees literal arithmetic. It is a
// tokenizer plus a recursive-descent parser, not a general scripting language.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind  tokenKind
	value float64
	pos   int
}

// tokenize splits the input into tokens. It rejects any character outside the
// micro-language.
func tokenize(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus, pos: i})
			i++
		case c == '-':
			toks = append(toks, token{kind: tokMinus, pos: i})
			i++
		case c == '*':
			toks = append(toks, token{kind: tokStar, pos: i})
			i++
		case c == '/':
			toks = append(toks, token{kind: tokSlash, pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			lit := input[start:i]
			v, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", lit, start)
			}
			toks = append(toks, token{kind: tokNumber, value: v, pos: start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(c), i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}

// parser is a recursive-descent parser over the token stream.
type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// expression := term (('+' | '-') term)*
func (p *parser) expression() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek().kind {
		case tokPlus:
			p.next()
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case tokMinus:
			p.next()
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// term := factor (('*' | '/') factor)*
func (p *parser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek().kind {
		case tokStar:
			p.next()
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			left *= right
		case tokSlash:
			t := p.next()
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero at position %d", t.pos)
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// factor := number | '(' expression ')' | '-' factor
func (p *parser) factor() (float64, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.value, nil
	case tokMinus:
		v, err := p.factor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case tokLParen:
		v, err := p.expression()
		if err != nil {
			return 0, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", closing.pos)
		}
		return v, nil
	case tokEOF:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected token at position %d", t.pos)
	}
}

// Evaluate computes the value of an arithmetic expression. Evaluation is
// deterministic: identical input always yields an identical result or an
// identical error.
func Evaluate(input string) (float64, error) {
	if strings.TrimSpace(input) == "" {
		return 0, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(input)
	if err != nil {
		return 0, err
	}
	p := &parser{toks: toks}
	v, err := p.expression()
	if err != nil {
		return 0, err
	}
	if trailing := p.peek(); trailing.kind != tokEOF {
		return 0, fmt.Errorf("unexpected trailing input at position %d", trailing.pos)
	}
	return v, nil
}

// Format renders a computed value back to its canonical string form, the
// representation stored into result variables.
func Format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
