// Package upstream talks to the OpenAI-compatible chat completion provider
// and hides its wire shapes behind a small pull-based interface.
package upstream

import (
	"context"
	"errors"

	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
)

// ErrNoSummary is returned by Stream.Summary when the upstream stream ended
// without a final summary.
var ErrNoSummary = errors.New("upstream stream has no summary")

// Request is one provider call.
type Request struct {
	Model    string
	Messages []params.ChatMessage
	Params   params.RunParameters
}

// Provider is the upstream collaborator used by the relay.
type Provider interface {
	// Ready reports whether the provider is configured to make calls.
	Ready() error
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields fragments in upstream order. Next returns io.EOF once the
// upstream finished normally.
type Stream interface {
	Next() (Fragment, error)
	// Summary is only meaningful after Next returned io.EOF.
	Summary() (*Summary, error)
	Close() error
}

// FragmentKind tags a Fragment.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentToken
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentToken:
		return "token"
	default:
		return "unknown"
	}
}

// Fragment is one incremental piece of upstream output. Text is set for
// FragmentText, Token for FragmentToken.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Token RawToken
}

// RawToken is a token as delivered by the provider. Any field may be absent.
type RawToken struct {
	Token       *string
	Logprob     *float64
	TopLogprobs []RawAlt
}

type RawAlt struct {
	Token   *string
	Logprob *float64
}

func TextFragment(s string) Fragment {
	return Fragment{Kind: FragmentText, Text: s}
}

func TokenFragment(t RawToken) Fragment {
	return Fragment{Kind: FragmentToken, Token: t}
}

// Summary is the provider's final view of a streamed generation.
type Summary struct {
	Text         string
	FinishReason string
	Usage        *logprob.Usage
	Model        string
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text         string
	Tokens       []RawToken
	FinishReason string
	Usage        *logprob.Usage
	Model        string
}
