// Package analytics derives the statistical features warning rules are
// written against from a student's raw academic records.
package analytics

import (
	"math"
)

// Trend is the direction of a student's recent scores.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	// PassThreshold separates passing from low scores.
	PassThreshold = 60.0

	// trendWindow scores on each side of the comparison.
	trendWindow = 3

	// trendDelta is the mean difference needed to leave "stable".
	trendDelta = 5.0
)

// ScoreFeatures summarises a list of scores.
type ScoreFeatures struct {
	Count         int
	Average       float64
	StdDev        float64
	Trend         Trend
	LowScoreCount int
	PassRate      float64
	Latest        float64
}

// ComputeScoreFeatures derives features from scores ordered newest first.
// An empty list yields zero values and a stable trend.
func ComputeScoreFeatures(scores []float64) ScoreFeatures {
	f := ScoreFeatures{Count: len(scores), Trend: TrendStable}
	if len(scores) == 0 {
		return f
	}

	f.Latest = scores[0]
	f.Average = Mean(scores)
	f.StdDev = StdDev(scores)
	f.Trend = ComputeTrend(scores)

	passed := 0
	for _, s := range scores {
		if s < PassThreshold {
			f.LowScoreCount++
		} else {
			passed++
		}
	}
	f.PassRate = float64(passed) / float64(len(scores))

	return f
}

// ComputeTrend compares the mean of the three newest scores with the mean of
// the three before them. Fewer than six scores is always stable.
func ComputeTrend(scores []float64) Trend {
	if len(scores) < 2*trendWindow {
		return TrendStable
	}

	recent := Mean(scores[:trendWindow])
	older := Mean(scores[trendWindow : 2*trendWindow])

	switch diff := recent - older; {
	case diff > trendDelta:
		return TrendImproving
	case diff < -trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation, or 0 for no values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
