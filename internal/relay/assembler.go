package relay

import (
	"math"
	"strings"

	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
	"github.com/zhengjr9/logprob-relay/internal/upstream"
)

// Assembler accumulates one generation from upstream fragments and turns
// each fragment into the protocol event sent to the client. It is not safe
// for concurrent use; every request owns its own.
type Assembler struct {
	text   strings.Builder
	tokens []logprob.TokenLP
	next   int
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// OnText appends a text fragment and returns its delta event unchanged.
func (a *Assembler) OnText(fragment string) protocol.DeltaEvent {
	a.text.WriteString(fragment)
	return protocol.NewDelta(fragment)
}

// OnToken normalizes raw, assigns the next index and returns its logprobs
// event.
func (a *Assembler) OnToken(raw upstream.RawToken) protocol.LogprobsEvent {
	tok := normalizeToken(raw)
	tok.Index = a.next
	a.next++
	a.tokens = append(a.tokens, tok)
	return protocol.NewLogprobs(tok)
}

// Text returns the text accumulated so far.
func (a *Assembler) Text() string { return a.text.String() }

// Tokens returns a copy of the tokens accumulated so far.
func (a *Assembler) Tokens() []logprob.TokenLP {
	out := make([]logprob.TokenLP, len(a.tokens))
	copy(out, a.tokens)
	return out
}

// Finalize builds the completion, preferring the upstream summary when one
// exists.
func (a *Assembler) Finalize(summary *upstream.Summary) *logprob.CompletionLP {
	switch SelectStrategy(summary) {
	case StrategyStructured:
		return finalizeStructured(a, summary)
	default:
		return finalizeAccumulated(a)
	}
}

// normalizeToken is the single place where absent upstream fields get their
// defaults: empty token text and the unknown logprob. Positive logprobs are
// clamped to 0.
func normalizeToken(raw upstream.RawToken) logprob.TokenLP {
	tok := logprob.TokenLP{
		Token:       deref(raw.Token),
		Logprob:     lpOrUnknown(raw.Logprob),
		TopLogprobs: make([]logprob.Alt, 0, len(raw.TopLogprobs)),
	}
	tok.Prob = logprob.ToProb(tok.Logprob)
	for _, alt := range raw.TopLogprobs {
		lp := lpOrUnknown(alt.Logprob)
		tok.TopLogprobs = append(tok.TopLogprobs, logprob.Alt{
			Token:   deref(alt.Token),
			Logprob: lp,
			Prob:    logprob.ToProb(lp),
		})
	}
	return tok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func lpOrUnknown(f *float64) logprob.Logprob {
	if f == nil || math.IsNaN(*f) {
		return logprob.Unknown
	}
	return logprob.Logprob(math.Min(*f, 0))
}
