package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/zhengjr9/logprob-relay/internal/logprob"
)

func sample() *logprob.CompletionLP {
	return &logprob.CompletionLP{
		Text: "The cat sat.",
		Tokens: []logprob.TokenLP{
			{Index: 0, Token: "The", Logprob: -0.05, Prob: 0.95},
			{Index: 1, Token: " cat", Logprob: -2.3, Prob: 0.1, TopLogprobs: []logprob.Alt{
				{Token: " dog", Logprob: -0.9, Prob: 0.41},
			}},
			{Index: 2, Token: " sat", Logprob: -0.2, Prob: 0.82},
			{Index: 3, Token: ".", Logprob: -1.6, Prob: 0.2},
		},
		FinishReason: "stop",
		Model:        "m1",
	}
}

func TestRenderText_Plain(t *testing.T) {
	var buf bytes.Buffer
	if err := renderText(&buf, sample(), 0.3, false); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "The cat sat.\n") {
		t.Errorf("unexpected transcript %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output must not contain escape codes")
	}
	if !strings.Contains(out, `[1] " cat"`) || !strings.Contains(out, `" dog" 0.410`) {
		t.Errorf("expected uncertain token listing, got %q", out)
	}
	if strings.Contains(out, "[3]") {
		t.Error("punctuation must not be listed")
	}
}

func TestRenderText_Color(t *testing.T) {
	var buf bytes.Buffer
	_ = renderText(&buf, sample(), 0.3, true)
	out := buf.String()
	if !strings.Contains(out, "\x1b[31m cat\x1b[") {
		t.Errorf("expected the low-confidence token in red, got %q", out)
	}
	if !strings.Contains(out, "\x1b[32mThe\x1b[") {
		t.Errorf("expected the high-confidence token in green, got %q", out)
	}
}

func TestRenderText_NoTokens(t *testing.T) {
	var buf bytes.Buffer
	_ = renderText(&buf, &logprob.CompletionLP{Text: "Hi there", FinishReason: "stop"}, 0.3, true)
	if !strings.Contains(buf.String(), "(no token data)") {
		t.Errorf("expected degraded notice, got %q", buf.String())
	}
}
