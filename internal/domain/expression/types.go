// Package expression compiles the small comparison/boolean language used by
// warning rules into an AST that is evaluated against a variable context.
//
// Grammar (lowest to highest precedence):
//
//	or      := and ( "||" and )*
//	and     := eq ( "&&" eq )*
//	eq      := rel ( ( "==" | "!=" ) rel )*
//	rel     := sum ( ( ">" | ">=" | "<" | "<=" ) sum )*
//	sum     := product ( ( "+" | "-" ) product )*
//	product := unary ( ( "*" | "/" ) unary )*
//	unary   := ( "!" | "-" ) unary | primary
//	primary := number | "true" | "false" | string | identifier | "(" or ")"
//
// Evaluation has no side effects and performs no I/O.
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Context maps variable names to values. Dotted names ("eventData.score")
// also resolve through nested maps.
type Context map[string]any

// numericLiteral matches the tokens that are treated as numbers.
var numericLiteral = regexp.MustCompile(`^-?\d+\.?\d*$`)

// SyntaxError is returned by Compile for malformed expressions.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

// EvalError is returned when a compiled expression cannot be evaluated
// against a given context.
type EvalError struct {
	Op  string
	Msg string
	Err error
}

func (e *EvalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error in '%s': %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("evaluation error in '%s': %s", e.Op, e.Msg)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// node is a compiled AST node.
type node interface {
	eval(ctx Context) (any, error)
	String() string
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(Context) (any, error) { return n.value, nil }

func (n *literalNode) String() string {
	if s, ok := n.value.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprint(n.value)
}

type variableNode struct {
	name string
}

func (n *variableNode) eval(ctx Context) (any, error) {
	v, ok := lookup(ctx, n.name)
	if !ok {
		// Unknown identifiers degrade to their own name.
		return n.name, nil
	}
	return normalize(v), nil
}

func (n *variableNode) String() string { return n.name }

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(ctx Context) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := v.(float64)
		if !ok {
			return nil, &EvalError{Op: n.op, Msg: fmt.Sprintf("cannot negate %T", v)}
		}
		return -f, nil
	}
	return nil, &EvalError{Op: n.op, Msg: "unknown unary operator"}
}

func (n *unaryNode) String() string { return n.op + n.operand.String() }

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) String() string {
	return "(" + n.left.String() + " " + n.op + " " + n.right.String() + ")"
}

func (n *binaryNode) eval(ctx Context) (any, error) {
	left, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}

	// Short-circuit logical operators.
	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	fn, ok := binaryOps[n.op]
	if !ok {
		return nil, &EvalError{Op: n.op, Msg: "unsupported operator"}
	}
	return fn(n.op, left, right)
}

// ══════════════════════════════════════════════════════════════════════════════
// VALUE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// parseLiteral applies literal detection: numeric-looking text becomes a
// float64, "true"/"false" become bools, anything else stays a string.
func parseLiteral(s string) any {
	trimmed := strings.TrimSpace(s)
	if numericLiteral.MatchString(trimmed) {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(trimmed, "."), 64); err == nil {
			return f
		}
	}
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// normalize converts a context value into float64, bool or string where
// possible. Other values pass through unchanged.
func normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case string:
		return parseLiteral(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return parseLiteral(val.String())
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cast.ToFloat64(val)
	default:
		return v
	}
}

func lookup(ctx Context, name string) (any, bool) {
	if v, ok := ctx[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	parts := strings.Split(name, ".")
	var current any = map[string]any(ctx)
	for _, part := range parts {
		var m map[string]any
		if c, ok := current.(Context); ok {
			m = c
		} else {
			var err error
			if m, err = cast.ToStringMapE(current); err != nil {
				return nil, false
			}
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
