// Package params defines the completion request accepted by the relay, its
// sampling parameters, and the validation and clamping rules applied to them.
package params

import (
	"fmt"
	"math"
)

// Parameter ranges. Values outside them are rejected at validation; Clamp
// forces them back inside.
const (
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
	MinTopP            = 0.0
	MaxTopP            = 1.0
	MinPenalty         = -2.0
	MaxPenalty         = 2.0
	MinMaxTokens       = 1
	MaxMaxTokens       = 256
	MinTopLogprobs     = 1
	MaxTopLogprobs     = 10
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
	DefaultMaxTokens   = 128
	DefaultTopLogprobs = 5
	DefaultPresence    = 0.0
	DefaultFrequency   = 0.0
)

// RunParameters is the resolved sampling configuration of one request.
type RunParameters struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	MaxTokens        int     `json:"max_tokens"`
	TopLogprobs      int     `json:"top_logprobs"`
}

// Defaults returns the parameters used for omitted fields.
func Defaults() RunParameters {
	return RunParameters{
		Temperature:      DefaultTemperature,
		TopP:             DefaultTopP,
		PresencePenalty:  DefaultPresence,
		FrequencyPenalty: DefaultFrequency,
		MaxTokens:        DefaultMaxTokens,
		TopLogprobs:      DefaultTopLogprobs,
	}
}

// Clamp forces every field into its allowed range. Clamping an in-range
// value is a no-op, so Clamp is idempotent.
func (p RunParameters) Clamp() RunParameters {
	return RunParameters{
		Temperature:      clampFloat(p.Temperature, MinTemperature, MaxTemperature),
		TopP:             clampFloat(p.TopP, MinTopP, MaxTopP),
		PresencePenalty:  clampFloat(p.PresencePenalty, MinPenalty, MaxPenalty),
		FrequencyPenalty: clampFloat(p.FrequencyPenalty, MinPenalty, MaxPenalty),
		MaxTokens:        clampInt(p.MaxTokens, MinMaxTokens, MaxMaxTokens),
		TopLogprobs:      clampInt(p.TopLogprobs, MinTopLogprobs, MaxTopLogprobs),
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
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

func checkFloat(issues []string, name string, v *float64, lo, hi float64) []string {
	if v == nil {
		return issues
	}
	if math.IsNaN(*v) || *v < lo || *v > hi {
		return append(issues, fmt.Sprintf("%s must be between %g and %g", name, lo, hi))
	}
	return issues
}

func checkInt(issues []string, name string, v *int, lo, hi int) []string {
	if v == nil {
		return issues
	}
	if *v < lo || *v > hi {
		return append(issues, fmt.Sprintf("%s must be between %d and %d", name, lo, hi))
	}
	return issues
}
