package expression

import (
	"fmt"
	"math"
)

// binaryFunc implements a non-logical binary operator.
type binaryFunc func(op string, left, right any) (any, error)

var binaryOps = map[string]binaryFunc{
	">":  compareOp,
	">=": compareOp,
	"<":  compareOp,
	"<=": compareOp,
	"==": equalityOp,
	"!=": equalityOp,
	"+":  arithmeticOp,
	"-":  arithmeticOp,
	"*":  arithmeticOp,
	"/":  arithmeticOp,
}

func compareOp(op string, left, right any) (any, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if lok && rok {
		switch op {
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	return nil, &EvalError{Op: op, Msg: fmt.Sprintf("cannot compare %T with %T", left, right)}
}

func equalityOp(op string, left, right any) (any, error) {
	eq := valuesEqual(left, right)
	if op == "!=" {
		return !eq, nil
	}
	return eq, nil
}

func valuesEqual(left, right any) bool {
	switch l := left.(type) {
	case float64:
		if r, ok := right.(float64); ok {
			return l == r
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r
		}
	case nil:
		return right == nil
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

func arithmeticOp(op string, left, right any) (any, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, &EvalError{Op: op, Msg: fmt.Sprintf("arithmetic on %T and %T", left, right)}
	}

	var out float64
	switch op {
	case "+":
		out = lf + rf
	case "-":
		out = lf - rf
	case "*":
		out = lf * rf
	case "/":
		if rf == 0 {
			return nil, &EvalError{Op: op, Msg: "division by zero"}
		}
		out = lf / rf
	}

	if math.IsNaN(out) || math.IsInf(out, 0) {
		return nil, &EvalError{Op: op, Msg: "result is not a finite number"}
	}
	return out, nil
}
