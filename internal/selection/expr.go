package selection

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// ErrUnknownField is returned when a predicate references a column the
// record does not carry.
var ErrUnknownField = errors.New("unknown field")

// =============================================================================
// Predicate AST
// =============================================================================

// node is an expression tree element. Booleans are carried as 1 and 0.
type node interface {
	eval(r ntuple.Record) (float64, error)
}

type numLit float64

func (n numLit) eval(ntuple.Record) (float64, error) { return float64(n), nil }

type fieldRef string

func (f fieldRef) eval(r ntuple.Record) (float64, error) {
	v, ok := r.Field(string(f))
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownField, string(f))
	}
	return v, nil
}

type call struct {
	name string
	fn   func(float64) float64
	arg  node
}

func (c call) eval(r ntuple.Record) (float64, error) {
	v, err := c.arg.eval(r)
	if err != nil {
		return 0, err
	}
	return c.fn(v), nil
}

type negate struct{ x node }

func (n negate) eval(r ntuple.Record) (float64, error) {
	v, err := n.x.eval(r)
	return -v, err
}

type arith struct {
	op   byte
	l, r node
}

func (a arith) eval(r ntuple.Record) (float64, error) {
	l, err := a.l.eval(r)
	if err != nil {
		return 0, err
	}
	rv, err := a.r.eval(r)
	if err != nil {
		return 0, err
	}
	switch a.op {
	case '+':
		return l + rv, nil
	case '-':
		return l - rv, nil
	case '*':
		return l * rv, nil
	default:
		return l / rv, nil
	}
}

// compareChain evaluates a < b <= c as (a < b) and (b <= c), evaluating
// each operand once.
type compareChain struct {
	operands []node
	ops      []string
}

func (c compareChain) eval(r ntuple.Record) (float64, error) {
	left, err := c.operands[0].eval(r)
	if err != nil {
		return 0, err
	}
	result := true
	for i, op := range c.ops {
		right, err := c.operands[i+1].eval(r)
		if err != nil {
			return 0, err
		}
		if result && !compare(op, left, right) {
			result = false
		}
		left = right
	}
	return boolValue(result), nil
}

func compare(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "==":
		return a == b
	default:
		return a != b
	}
}

type logical struct {
	and  bool
	l, r node
}

func (b logical) eval(r ntuple.Record) (float64, error) {
	l, err := b.l.eval(r)
	if err != nil {
		return 0, err
	}
	rv, err := b.r.eval(r)
	if err != nil {
		return 0, err
	}
	if b.and {
		return boolValue(truthy(l) && truthy(rv)), nil
	}
	return boolValue(truthy(l) || truthy(rv)), nil
}

type not struct{ x node }

func (n not) eval(r ntuple.Record) (float64, error) {
	v, err := n.x.eval(r)
	if err != nil {
		return 0, err
	}
	return boolValue(!truthy(v)), nil
}

func truthy(v float64) bool { return v != 0 && !math.IsNaN(v) }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var functions = map[string]func(float64) float64{
	"abs":  math.Abs,
	"sqrt": math.Sqrt,
}

// =============================================================================
// Lexer
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && unicode.IsDigit(rune(src[j])) {
					i = j
					for i < len(src) && unicode.IsDigit(rune(src[i])) {
						i++
					}
				}
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "<=", ">=", "==", "!=", "&&", "||":
					toks = append(toks, token{tokOp, two, i})
					i += 2
					continue
				}
			}
			if strings.ContainsRune("<>&|~()+-*/,!", c) {
				toks = append(toks, token{tokOp, string(c), i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

// =============================================================================
// Parser
// =============================================================================

type parser struct {
	toks []token
	pos  int
}

// parse builds the AST for a predicate. An empty predicate yields a nil
// node, which matches every record.
func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(texts ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	for _, s := range texts {
		if t.text == s {
			p.pos++
			return s, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("|", "||", "or"); !ok {
			return l, nil
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = logical{and: false, l: l, r: r}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("&", "&&", "and"); !ok {
			return l, nil
		}
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = logical{and: true, l: l, r: r}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.accept("~", "!", "not"); ok {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	first, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	chain := compareChain{operands: []node{first}}
	for {
		op, ok := p.accept("<", "<=", ">", ">=", "==", "!=")
		if !ok {
			break
		}
		next, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		chain.ops = append(chain.ops, op)
		chain.operands = append(chain.operands, next)
	}
	if len(chain.ops) == 0 {
		return first, nil
	}
	return chain, nil
}

func (p *parser) parseSum() (node, error) {
	l, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		l = arith{op: op[0], l: l, r: r}
	}
}

func (p *parser) parseProduct() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("*", "/")
		if !ok {
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = arith{op: op[0], l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.accept("-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate{x}, nil
	}
	if _, ok := p.accept("+"); ok {
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return numLit(v), nil
	case tokIdent:
		switch t.text {
		case "True", "true":
			return numLit(1), nil
		case "False", "false":
			return numLit(0), nil
		}
		if _, ok := p.accept("("); ok {
			fn, known := functions[t.text]
			if !known {
				return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
			}
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.accept(")"); !ok {
				return nil, fmt.Errorf("missing ')' after %s( at %d", t.text, p.peek().pos)
			}
			return call{name: t.text, fn: fn, arg: arg}, nil
		}
		return fieldRef(t.text), nil
	case tokOp:
		if t.text == "(" {
			n, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.accept(")"); !ok {
				return nil, fmt.Errorf("missing ')' at %d", p.peek().pos)
			}
			return n, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}
