// Package calculator provides an arithmetic tool backed by a small recursive-descent evaluator.
//
// The grammar is decimal numbers, + - * / and parentheses, with unary + and -. Names, calls and
// every other operator are rejected before anything is evaluated.
package calculator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/darkostanimirovic/chatgraph"
)

// Name is the tool name exposed to the model.
const Name = "calculator"

const (
	maxDepth  = 64
	maxLength = 1024
)

// New returns the calculator tool.
func New() chatgraph.Tool {
	return chatgraph.NewTool(Name).
		WithDescription(`Evaluate an arithmetic expression and return the result as a string. Supports decimal numbers, + - * / and parentheses, e.g. "2 + 3 * (4 - 1)".`).
		WithParameter("expression", chatgraph.String().Required().WithDescription("Arithmetic expression to evaluate")).
		WithHandler(handle).
		WithPendingFormatter(func(_ string, args map[string]any) string {
			if expr, ok := args["expression"].(string); ok && expr != "" {
				return fmt.Sprintf("Calculating %s...", expr)
			}
			return "Calculating..."
		}).
		MustBuild()
}

func handle(_ context.Context, args map[string]any) (any, error) {
	expr, ok := args["expression"].(string)
	if !ok {
		return nil, chatgraph.InvalidArguments(Name, "expression must be a string")
	}
	value, err := Evaluate(expr)
	if err != nil {
		return nil, chatgraph.InvalidExpression(Name, err.Error())
	}
	return map[string]any{
		"expression": expr,
		"result":     Format(value),
	}, nil
}

// Evaluate parses and computes expr.
func Evaluate(expr string) (float64, error) {
	if len(expr) > maxLength {
		return 0, fmt.Errorf("expression longer than %d characters", maxLength)
	}
	p := &parser{src: expr}
	p.skipSpace()
	if p.done() {
		return 0, fmt.Errorf("empty expression")
	}

	value, err := p.expression(0)
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if !p.done() {
		return 0, p.unexpected()
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return value, nil
}

// Format renders a result as the shortest decimal string that round-trips.
func Format(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type parser struct {
	src string
	pos int
}

func (p *parser) done() bool {
	return p.pos >= len(p.src)
}

func (p *parser) peek() byte {
	if p.done() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.done() && strings.IndexByte(" \t\r\n", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *parser) unexpected() error {
	if p.done() {
		return fmt.Errorf("unexpected end of expression")
	}
	return fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
}

// expression := term (("+" | "-") term)*
func (p *parser) expression(depth int) (float64, error) {
	left, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term(depth)
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

// term := unary (("*" | "/") unary)*
func (p *parser) term(depth int) (float64, error) {
	left, err := p.unary(depth)
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		if p.peek() == op {
			// ** and // are not arithmetic here.
			return 0, p.unexpected()
		}
		right, err := p.unary(depth)
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
			continue
		}
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		left /= right
	}
}

// unary := ("+" | "-") unary | primary
func (p *parser) unary(depth int) (float64, error) {
	if depth > maxDepth {
		return 0, fmt.Errorf("expression nested too deeply")
	}
	p.skipSpace()
	switch p.peek() {
	case '+':
		p.pos++
		return p.unary(depth + 1)
	case '-':
		p.pos++
		v, err := p.unary(depth + 1)
		return -v, err
	}
	return p.primary(depth)
}

// primary := number | "(" expression ")"
func (p *parser) primary(depth int) (float64, error) {
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.expression(depth + 1)
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			if p.done() {
				return 0, fmt.Errorf("missing closing parenthesis")
			}
			return 0, p.unexpected()
		}
		p.pos++
		return v, nil
	case isDigit(c) || c == '.':
		return p.number()
	}
	return 0, p.unexpected()
}

func (p *parser) number() (float64, error) {
	start := p.pos
	digits := 0
	for !p.done() && isDigit(p.peek()) {
		p.pos++
		digits++
	}
	if p.peek() == '.' {
		p.pos++
		for !p.done() && isDigit(p.peek()) {
			p.pos++
			digits++
		}
	}
	if digits == 0 {
		p.pos = start
		return 0, p.unexpected()
	}
	if c := p.peek(); c == '.' || c == '_' || isLetter(c) {
		return 0, p.unexpected()
	}

	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.src[start:p.pos])
	}
	return v, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
