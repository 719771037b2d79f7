package relay

import (
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/upstream"
)

// Strategy names a way of building the final completion.
type Strategy string

const (
	// StrategyStructured trusts the upstream summary for text, finish
	// reason, usage and model, keeping the assembled tokens.
	StrategyStructured Strategy = "structured"
	// StrategyAccumulated uses only what the assembler saw. Usage is
	// approximate: prompt_tokens stays 0, which clients read as unknown.
	StrategyAccumulated Strategy = "accumulated"
)

// SelectStrategy is the single decision point between the two strategies.
func SelectStrategy(summary *upstream.Summary) Strategy {
	if summary != nil {
		return StrategyStructured
	}
	return StrategyAccumulated
}

func finalizeStructured(a *Assembler, s *upstream.Summary) *logprob.CompletionLP {
	c := &logprob.CompletionLP{
		Text:         s.Text,
		Tokens:       a.Tokens(),
		FinishReason: s.FinishReason,
		Model:        s.Model,
	}
	if c.FinishReason == "" {
		c.FinishReason = "stop"
	}
	if s.Usage != nil {
		c.Usage = *s.Usage
	} else {
		c.Usage = derivedUsage(len(c.Tokens))
	}
	return c
}

func finalizeAccumulated(a *Assembler) *logprob.CompletionLP {
	tokens := a.Tokens()
	return &logprob.CompletionLP{
		Text:         a.Text(),
		Tokens:       tokens,
		FinishReason: "stop",
		Usage:        derivedUsage(len(tokens)),
	}
}

func derivedUsage(completion int) logprob.Usage {
	return logprob.Usage{
		PromptTokens:     0,
		CompletionTokens: completion,
		TotalTokens:      completion,
	}
}
