// Package logprob holds the token probability model shared by the relay,
// the HTTP surface and the terminal client: wire types, the probability
// codec, color classification and export helpers.
package logprob

import (
	"bytes"
	"encoding/json"
	"math"
)

// Logprob is a natural-log probability. The unknown sentinel (negative
// infinity) has no JSON representation and is encoded as null.
type Logprob float64

// Unknown is the sentinel used when the upstream omitted a logprob.
var Unknown = Logprob(math.Inf(-1))

// IsUnknown reports whether l carries no usable probability.
func (l Logprob) IsUnknown() bool {
	f := float64(l)
	return math.IsInf(f, 0) || math.IsNaN(f)
}

func (l Logprob) MarshalJSON() ([]byte, error) {
	if l.IsUnknown() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(l))
}

func (l *Logprob) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*l = Unknown
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*l = Logprob(f)
	return nil
}

// Alt is an alternative candidate token at the same position.
type Alt struct {
	Token   string  `json:"token"`
	Logprob Logprob `json:"logprob"`
	Prob    float64 `json:"prob"`
}

// TokenLP is one emitted token with its probability and alternatives.
type TokenLP struct {
	Index       int     `json:"index"`
	Token       string  `json:"token"`
	Logprob     Logprob `json:"logprob"`
	Prob        float64 `json:"prob"`
	TopLogprobs []Alt   `json:"top_logprobs"`
}

// Usage mirrors the provider's token accounting. All-zero means unknown.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionLP is the finalized result of one generation.
//
// Text equals the concatenation of Tokens[*].Token when token data is
// complete. Tokens may be empty while Text is populated when the upstream
// did not deliver token-level data.
type CompletionLP struct {
	Text            string    `json:"text"`
	Tokens          []TokenLP `json:"tokens"`
	FinishReason    string    `json:"finish_reason"`
	Usage           Usage     `json:"usage"`
	Model           string    `json:"model"`
	Latency         int64     `json:"latency"`
	ForcePrefixEcho string    `json:"force_prefix_echo,omitempty"`
}

// TokenText concatenates the token texts in order.
func (c *CompletionLP) TokenText() string {
	var buf bytes.Buffer
	for _, t := range c.Tokens {
		buf.WriteString(t.Token)
	}
	return buf.String()
}
