package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/zhengjr9/logprob-relay/internal/logprob"
)

var classAttrs = map[logprob.Class]color.Attribute{
	logprob.ClassLow:     color.FgRed,
	logprob.ClassMedLow:  color.FgYellow,
	logprob.ClassMedHigh: color.FgCyan,
	logprob.ClassHigh:    color.FgGreen,
}

// classPalette returns one color per class, forced on or off so output does
// not depend on the global terminal detection.
func classPalette(enabled bool) map[logprob.Class]*color.Color {
	palette := make(map[logprob.Class]*color.Color, len(classAttrs))
	for class, attr := range classAttrs {
		c := color.New(attr)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		palette[class] = c
	}
	return palette
}

// renderText prints the transcript with each token colored by class, then a
// summary and the tokens whose probability is under threshold.
func renderText(w io.Writer, c *logprob.CompletionLP, threshold float64, colored bool) error {
	if len(c.Tokens) == 0 {
		fmt.Fprintln(w, c.Text)
		fmt.Fprintln(w, "(no token data)")
	} else {
		classes := logprob.ClassifyAll(c.Tokens)
		palette := classPalette(colored)
		var sb strings.Builder
		for i, t := range c.Tokens {
			if logprob.IsWhitespace(t.Token) {
				sb.WriteString(t.Token)
				continue
			}
			sb.WriteString(palette[classes[i]].Sprint(t.Token))
		}
		fmt.Fprintln(w, sb.String())
	}

	fmt.Fprintf(w, "\nmodel=%s finish=%s tokens=%d prompt=%d latency=%dms\n",
		c.Model, c.FinishReason, len(c.Tokens), c.Usage.PromptTokens, c.Latency)
	if c.ForcePrefixEcho != "" {
		fmt.Fprintf(w, "force prefix: %q\n", c.ForcePrefixEcho)
	}

	idx, ok := logprob.NextLowConfidence(c.Tokens, -1, 1, threshold)
	for ok {
		t := c.Tokens[idx]
		if !logprob.IsPunctuation(t.Token) && !logprob.IsWhitespace(t.Token) {
			fmt.Fprintf(w, "  [%d] %-16q p=%.3f%s\n", t.Index, t.Token, t.Prob, formatAlts(t.TopLogprobs))
		}
		idx, ok = logprob.NextLowConfidence(c.Tokens, idx, 1, threshold)
	}
	return nil
}

func formatAlts(alts []logprob.Alt) string {
	if len(alts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(alts))
	for _, a := range alts {
		parts = append(parts, fmt.Sprintf("%q %.3f", a.Token, a.Prob))
	}
	return "  alts: " + strings.Join(parts, ", ")
}
