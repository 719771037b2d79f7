package relay

import (
	"context"
	"fmt"

	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
)

// Complete runs plan as one non-streaming call. A response without token
// logprobs is reported as ErrNoLogprobs.
func (r *Relay) Complete(ctx context.Context, plan *Plan) (*logprob.CompletionLP, error) {
	start := r.now()
	resp, err := r.provider.Complete(ctx, plan.Request)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	if len(resp.Tokens) == 0 {
		return nil, fmt.Errorf("complete %s: %w", plan.Request.Model, apierrors.ErrNoLogprobs)
	}

	asm := NewAssembler()
	for _, raw := range resp.Tokens {
		asm.OnToken(raw)
	}

	c := &logprob.CompletionLP{
		Text:            resp.Text,
		Tokens:          asm.Tokens(),
		FinishReason:    resp.FinishReason,
		Model:           resp.Model,
		Latency:         r.now().Sub(start).Milliseconds(),
		ForcePrefixEcho: plan.ForcePrefixEcho,
	}
	if c.FinishReason == "" {
		c.FinishReason = "unknown"
	}
	if c.Model == "" {
		c.Model = plan.Request.Model
	}
	if resp.Usage != nil {
		c.Usage = *resp.Usage
	}
	return c, nil
}
