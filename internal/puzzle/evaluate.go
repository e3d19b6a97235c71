package puzzle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidExpression marks every evaluation failure so callers can
// treat the whole class as a rejected answer rather than a fault.
var ErrInvalidExpression = errors.New("invalid expression")

// Evaluate parses an integer arithmetic expression (+ - * /,
// parentheses, unary minus) and returns its value. Division must be
// exact. Every number literal consumes one entry from operands; an
// expression using a number that is not (or no longer) available is
// invalid.
func Evaluate(expr string, operands []int) (int, error) {
	p := &parser{input: strings.TrimSpace(expr), avail: append([]int(nil), operands...)}
	if p.input == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, p.input[p.pos], p.pos)
	}
	return v, nil
}

type parser struct {
	input string
	pos   int
	avail []int
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() (byte, bool) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

// parseExpr handles + and -.
func (p *parser) parseExpr() (int, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '+' && c != '-') {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if c == '+' {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

// parseTerm handles * and /.
func (p *parser) parseTerm() (int, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '*' && c != '/') {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if c == '*' {
			v *= rhs
			continue
		}
		if rhs == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrInvalidExpression)
		}
		if v%rhs != 0 {
			return 0, fmt.Errorf("%w: %d/%d is not an integer", ErrInvalidExpression, v, rhs)
		}
		v /= rhs
	}
}

// parseFactor handles numbers, parentheses and unary minus.
func (p *parser) parseFactor() (int, error) {
	c, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrInvalidExpression)
	}
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		c, ok = p.peek()
		if !ok || c != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidExpression)
		}
		p.pos++
		return v, nil
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case c >= '0' && c <= '9':
		return p.parseNumber()
	default:
		return 0, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, c, p.pos)
	}
}

func (p *parser) parseNumber() (int, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.input[start:p.pos])
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, p.input[start:p.pos])
	}
	if !p.consume(n) {
		return 0, fmt.Errorf("%w: %d is not an available operand", ErrInvalidExpression, n)
	}
	return n, nil
}

// consume removes one occurrence of n from the available operands.
func (p *parser) consume(n int) bool {
	for i, a := range p.avail {
		if a == n {
			p.avail = append(p.avail[:i], p.avail[i+1:]...)
			return true
		}
	}
	return false
}
