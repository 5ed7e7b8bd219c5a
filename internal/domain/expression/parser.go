package expression

import (
	"fmt"
	"sort"
	"strings"
)

// Expression is a compiled rule expression. It is immutable and safe for
// concurrent evaluation.
type Expression struct {
	source string
	root   node
	vars   []string
}

// Compile parses src into an Expression.
func Compile(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}

	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens, vars: make(map[string]struct{})}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s %q", tok.kind, tok.text)}
	}

	vars := make([]string, 0, len(p.vars))
	for v := range p.vars {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	return &Expression{source: src, root: root, vars: vars}, nil
}

// MustCompile is like Compile but panics on error. Intended for constants
// and tests.
func MustCompile(src string) *Expression {
	expr, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return expr
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.source }

// String returns a fully parenthesised rendering of the AST.
func (e *Expression) String() string { return e.root.String() }

// Variables returns the sorted identifiers the expression references.
func (e *Expression) Variables() []string {
	out := make([]string, len(e.vars))
	copy(out, e.vars)
	return out
}

// Eval evaluates the expression and returns a float64, bool or string.
func (e *Expression) Eval(ctx Context) (any, error) {
	return e.root.eval(ctx)
}

// EvalBool evaluates the expression and applies truthiness to the result.
func (e *Expression) EvalBool(ctx Context) (bool, error) {
	v, err := e.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalNumber evaluates the expression and requires a numeric result.
func (e *Expression) EvalNumber(ctx Context) (float64, error) {
	v, err := e.root.eval(ctx)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, &EvalError{Op: e.source, Msg: fmt.Sprintf("result %v is not numeric", v)}
	}
	return f, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RECURSIVE DESCENT PARSER
// ══════════════════════════════════════════════════════════════════════════════

type parser struct {
	tokens []token
	pos    int
	vars   map[string]struct{}
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOperator {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("||")
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("&&")
		if !ok {
			return left, nil
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

// parseEquality binds looser than the relational operators, so
// "avgScore < 60 == true" compares the result of the inner comparison.
func (p *parser) parseEquality() (node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("==", "!=")
		if !ok {
			return left, nil
		}
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseRelational() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(">=", "<=", ">", "<")
		if !ok {
			return left, nil
		}
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		// Fold negative numeric literals so "-5" stays a literal.
		if lit, isLit := operand.(*literalNode); isLit && op == "-" {
			if f, isNum := lit.value.(float64); isNum {
				return &literalNode{value: -f}, nil
			}
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokNumber:
		return &literalNode{value: parseLiteral(tok.text)}, nil

	case tokString:
		return &literalNode{value: tok.text}, nil

	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		}
		p.vars[tok.text] = struct{}{}
		return &variableNode{name: tok.text}, nil

	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: "expected ')'"}
		}
		return inner, nil
	}

	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s %q", tok.kind, tok.text)}
}
