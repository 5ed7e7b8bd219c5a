package expression

import (
	"log/slog"
	"math"
	"sync"

	"github.com/alem-hub/warning-engine/pkg/logger"
)

const (
	minScore = 0.0
	maxScore = 100.0
)

// Evaluator evaluates rule expressions and never fails: malformed or
// ill-typed expressions are logged and treated as false / 0.
type Evaluator struct {
	logger   *slog.Logger
	compiled sync.Map // source -> *Expression
}

// NewEvaluator creates an Evaluator. A nil logger discards output.
func NewEvaluator(log *slog.Logger) *Evaluator {
	if log == nil {
		log = logger.Discard()
	}
	return &Evaluator{logger: log.With(logger.Component("expression"))}
}

// EvaluateCondition compiles (once per distinct source) and evaluates expr.
func (e *Evaluator) EvaluateCondition(expr string, ctx Context) bool {
	compiled, ok := e.compile(expr)
	if !ok {
		return false
	}
	return e.Condition(compiled, ctx)
}

// EvaluateScore compiles (once per distinct source) and evaluates expr,
// clamping the result into [0, 100].
func (e *Evaluator) EvaluateScore(expr string, ctx Context) float64 {
	compiled, ok := e.compile(expr)
	if !ok {
		return minScore
	}
	return e.Score(compiled, ctx)
}

// Condition evaluates a pre-compiled expression as a boolean.
func (e *Evaluator) Condition(expr *Expression, ctx Context) bool {
	if expr == nil {
		return false
	}
	ok, err := expr.EvalBool(ctx)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			slog.String("expression", expr.Source()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// Score evaluates a pre-compiled expression as a score in [0, 100].
func (e *Evaluator) Score(expr *Expression, ctx Context) float64 {
	if expr == nil {
		return minScore
	}
	v, err := expr.Eval(ctx)
	if err != nil {
		e.logger.Warn("score evaluation failed",
			slog.String("expression", expr.Source()),
			slog.String("error", err.Error()),
		)
		return minScore
	}
	f, ok := v.(float64)
	if !ok {
		e.logger.Debug("score expression returned non-numeric value",
			slog.String("expression", expr.Source()),
			slog.Any("value", v),
		)
		return minScore
	}
	return ClampScore(f)
}

func (e *Evaluator) compile(src string) (*Expression, bool) {
	if cached, ok := e.compiled.Load(src); ok {
		return cached.(*Expression), true
	}
	expr, err := Compile(src)
	if err != nil {
		e.logger.Warn("expression compile failed",
			slog.String("expression", src),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	e.compiled.Store(src, expr)
	return expr, true
}

// ClampScore bounds v to [0, 100]. NaN becomes 0.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return minScore
	}
	return math.Max(minScore, math.Min(maxScore, v))
}

var defaultEvaluator = NewEvaluator(nil)

// EvaluateCondition evaluates expr with a package-level, non-logging Evaluator.
func EvaluateCondition(expr string, ctx Context) bool {
	return defaultEvaluator.EvaluateCondition(expr, ctx)
}

// EvaluateScore evaluates expr with a package-level, non-logging Evaluator.
func EvaluateScore(expr string, ctx Context) float64 {
	return defaultEvaluator.EvaluateScore(expr, ctx)
}
