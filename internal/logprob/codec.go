package logprob

import (
	"math"
	"sort"
)

// Class is the quantile-relative color bucket of a token.
type Class string

const (
	ClassLow     Class = "low"
	ClassMedLow  Class = "med-low"
	ClassMedHigh Class = "med-high"
	ClassHigh    Class = "high"
)

const (
	boundFloor   = -20.0
	boundCeil    = 0.0
	fallbackMin  = -10.0
	fallbackMax  = 0.0
	lowQuantile  = 0.05
	highQuantile = 0.95
)

// ToProb converts a logprob into a display probability in [0, 1]. The
// unknown sentinel maps to 0.
func ToProb(lp Logprob) float64 {
	if lp.IsUnknown() {
		return 0
	}
	return math.Min(1, math.Exp(float64(lp)))
}

// Classify buckets lp at the quartiles of the [min, max] range.
func Classify(lp Logprob, min, max float64) Class {
	denom := max - min
	if denom == 0 {
		denom = 1
	}
	normalized := (float64(lp) - min) / denom
	switch {
	case normalized < 0.25:
		return ClassLow
	case normalized < 0.5:
		return ClassMedLow
	case normalized < 0.75:
		return ClassMedHigh
	default:
		return ClassHigh
	}
}

// Bounds returns the 5th and 95th percentile logprob of tokens, clamped to
// [-20, 0]. An empty set yields [-10, 0].
func Bounds(tokens []TokenLP) (min, max float64) {
	if len(tokens) == 0 {
		return fallbackMin, fallbackMax
	}
	sorted := make([]float64, len(tokens))
	for i, t := range tokens {
		sorted[i] = float64(t.Logprob)
	}
	sort.Float64s(sorted)

	q := func(p float64) float64 {
		idx := int(math.Floor(float64(len(sorted)) * p))
		idx = clampInt(idx, 0, len(sorted)-1)
		return sorted[idx]
	}
	return math.Max(q(lowQuantile), boundFloor), math.Min(q(highQuantile), boundCeil)
}

// ClassifyAll classifies every token against the bounds of the whole set.
func ClassifyAll(tokens []TokenLP) []Class {
	min, max := Bounds(tokens)
	out := make([]Class, len(tokens))
	for i, t := range tokens {
		out[i] = Classify(t.Logprob, min, max)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
