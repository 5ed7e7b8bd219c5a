package expression

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition_NumericComparisonProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	ops := map[string]func(a, b float64) bool{
		">":  func(a, b float64) bool { return a > b },
		">=": func(a, b float64) bool { return a >= b },
		"<":  func(a, b float64) bool { return a < b },
		"<=": func(a, b float64) bool { return a <= b },
		"==": func(a, b float64) bool { return a == b },
		"!=": func(a, b float64) bool { return a != b },
	}

	for i := 0; i < 500; i++ {
		// Integer-valued operands round-trip exactly through the literal form.
		a := float64(rng.IntN(2001) - 1000)
		b := float64(rng.IntN(2001) - 1000)
		if i%10 == 0 {
			b = a
		}

		for op, want := range ops {
			src := fmt.Sprintf("%g %s %g", a, op, b)
			assert.Equal(t, want(a, b), EvaluateCondition(src, nil), src)

			viaVars := fmt.Sprintf("x %s y", op)
			assert.Equal(t, want(a, b), EvaluateCondition(viaVars, Context{"x": a, "y": b}), "%s with x=%g y=%g", viaVars, a, b)
		}
	}
}

func TestEvaluateScore_AlwaysClamped(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 300; i++ {
		v := rng.Float64()*2000 - 1000
		got := EvaluateScore("raw * 1", Context{"raw": v})
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 100.0)
	}

	tests := []struct {
		expr string
		ctx  Context
		want float64
	}{
		{"150", nil, 100},
		{"-20", nil, 0},
		{"100 - avgScore", Context{"avgScore": 42.5}, 57.5},
		{"avgScore * 2", Context{"avgScore": 80}, 100},
		{"lowScoreCount * 10 + 20", Context{"lowScoreCount": 3}, 50},
		{"'not a number'", nil, 0},
		{"avgScore > 50", Context{"avgScore": 70}, 0},
		{"10 / 0", nil, 0},
		{"1 +", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateScore(tt.expr, tt.ctx))
		})
	}
}

func TestEvaluateCondition_WholeIdentifierSubstitution(t *testing.T) {
	ctx := Context{
		"avgScore":       50.0,
		"avgScoreStdDev": 20.0,
	}

	assert.True(t, EvaluateCondition("avgScoreStdDev > 15", ctx))
	assert.False(t, EvaluateCondition("avgScore > 15 && avgScoreStdDev > 25", ctx))
	assert.True(t, EvaluateCondition("avgScore == 50 && avgScoreStdDev == 20", ctx))
}

func TestEvaluateCondition_Logic(t *testing.T) {
	ctx := Context{
		"lowScoreCount": 3,
		"passRate":      0.4,
		"scoreTrend":    "declining",
		"isActive":      true,
		"eventData": map[string]any{
			"examType": "final",
			"score":    45,
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"lowScoreCount >= 2", true},
		{"lowScoreCount >= 2 && passRate < 0.5", true},
		{"lowScoreCount >= 5 || passRate < 0.5", true},
		{"lowScoreCount >= 5 || passRate > 0.5", false},
		{"scoreTrend == 'declining'", true},
		{"scoreTrend != \"stable\"", true},
		{"scoreTrend == declining", true},
		{"isActive == true", true},
		{"!isActive", false},
		{"(lowScoreCount > 1 || passRate > 0.9) && scoreTrend == 'declining'", true},
		{"eventData.score < 60", true},
		{"eventData.examType == 'final'", true},
		{"unknownVar", true},
		{"false || 0", false},
		{"-5 < lowScoreCount", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.expr, ctx))
		})
	}
}

func TestEvaluateCondition_MalformedNeverPanics(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"avgScore >",
		"(avgScore > 1",
		"avgScore > 1)",
		"'unterminated",
		"avgScore # 3",
		"&& ||",
		"avgScore > 'abc'",
	}
	for _, src := range bad {
		assert.NotPanics(t, func() {
			assert.False(t, EvaluateCondition(src, Context{"avgScore": 10}), src)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("avgScore >")
	var syn *SyntaxError
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, 10, syn.Pos)

	_, err = Compile("a @ b")
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, 2, syn.Pos)

	expr := MustCompile("a + 1")
	_, err = expr.Eval(Context{"a": "text"})
	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "+", evalErr.Op)
}

func TestExpression_VariablesAndString(t *testing.T) {
	expr := MustCompile("lowScoreCount >= 2 && (passRate < 0.6 || avgScore < 60) && true")

	assert.Equal(t, []string{"avgScore", "lowScoreCount", "passRate"}, expr.Variables())
	assert.Equal(t, "(((lowScoreCount >= 2) && ((passRate < 0.6) || (avgScore < 60))) && true)", expr.String())
	assert.Equal(t, "lowScoreCount >= 2 && (passRate < 0.6 || avgScore < 60) && true", expr.Source())
}

func TestExpression_Precedence(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 4 - 3", 3},
		{"20 / 2 / 5", 2},
		{"-2 * 3", -6},
		{"-(2 + 3)", -5},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := MustCompile(tt.expr).EvalNumber(nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_NestedComparisons(t *testing.T) {
	tests := []struct {
		expr string
		ctx  Context
		want bool
	}{
		{"avgScore < 60 == true", Context{"avgScore": 45}, true},
		{"avgScore < 60 == true", Context{"avgScore": 75}, false},
		{"avgScore < 60 != false", Context{"avgScore": 45}, true},
		{"(avgScore < 60) == true", Context{"avgScore": 45}, true},
		{"1 < 2 == true", nil, true},
		{"1 < 2 == 3 > 4", nil, false},
		{"passRate >= 0.5 == lowScoreCount < 3", Context{"passRate": 0.4, "lowScoreCount": 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, EvaluateCondition(tt.expr, tt.ctx))
		})
	}
}

func TestExpression_ComparisonGrouping(t *testing.T) {
	assert.Equal(t, "((avgScore < 60) == true)", MustCompile("avgScore < 60 == true").String())
	assert.Equal(t, "((a == b) != c)", MustCompile("a == b != c").String())
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", 42.0},
		{"-3.5", -3.5},
		{"7.", 7.0},
		{"true", true},
		{"false", false},
		{"1e5", "1e5"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLiteral(tt.in), tt.in)
	}
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, 3.0, normalize(3))
	assert.Equal(t, 2.5, normalize(float32(2.5)))
	assert.Equal(t, 12.0, normalize(uint8(12)))
	assert.Equal(t, 55.0, normalize("55"))
	assert.Equal(t, true, normalize("true"))
	assert.Equal(t, "2024-09-01T08:00:00Z", normalize(ts))
	assert.Nil(t, normalize(nil))
}

func TestEvaluator_CachesCompiledSources(t *testing.T) {
	ev := NewEvaluator(nil)

	assert.True(t, ev.EvaluateCondition("a > 1", Context{"a": 2}))
	assert.False(t, ev.EvaluateCondition("a > 1", Context{"a": 0}))

	_, ok := ev.compiled.Load("a > 1")
	assert.True(t, ok)

	assert.Equal(t, 0.0, ev.Score(nil, nil))
	assert.False(t, ev.Condition(nil, nil))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-1))
	assert.Equal(t, 100.0, ClampScore(101))
	assert.Equal(t, 55.5, ClampScore(55.5))
}
