package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
)

const pipeBuffer = 16

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL defaults to the public OpenAI endpoint. A trailing "/v1" is
	// added when missing.
	BaseURL string
	// ProxyURL may be empty to use the environment proxy.
	ProxyURL string
	Timeout  time.Duration
}

// OpenAIProvider implements Provider on top of go-openai.
type OpenAIProvider struct {
	apiKey  string
	timeout time.Duration
	client  *openai.Client
}

// NewOpenAI constructs an OpenAIProvider. An empty API key is accepted; Ready
// reports it.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			slog.Warn("ignoring invalid proxy url", "proxy", cfg.ProxyURL, "error", err)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		oc.BaseURL = base
	}
	// The stream deadline comes from the request context, so the client
	// itself carries no timeout.
	oc.HTTPClient = &http.Client{Transport: transport}

	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  openai.NewClientWithConfig(oc),
	}
}

func (p *OpenAIProvider) Ready() error {
	if strings.TrimSpace(p.apiKey) == "" {
		return apierrors.ErrMissingCredential
	}
	return nil
}

func (p *OpenAIProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Complete performs one non-streaming call with logprobs enabled.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, buildRequest(req, false))
	if err != nil {
		return nil, wrapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", apierrors.ErrUpstream)
	}

	choice := resp.Choices[0]
	c := &Completion{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
	}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		c.Usage = convertUsage(&resp.Usage)
	}
	if choice.LogProbs != nil {
		for _, lp := range choice.LogProbs.Content {
			c.Tokens = append(c.Tokens, rawFromLogProb(lp))
		}
	}
	return c, nil
}

// Stream opens a streaming call. Chunks are read by a producer goroutine and
// handed over through a Pipe; closing the stream cancels the upstream call.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := p.withTimeout(ctx)

	stream, err := p.client.CreateChatCompletionStream(ctx, buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, wrapError(ctx, err)
	}

	pipe := NewPipe(ctx, pipeBuffer)
	pipe.OnClose(cancel)
	go produce(pipe, stream)
	return pipe, nil
}

func produce(pipe *Pipe, stream *openai.ChatCompletionStream) {
	defer stream.Close()

	var (
		text      strings.Builder
		finish    string
		model     string
		usage     *logprob.Usage
		sawFinish bool
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			pipe.Fail(wrapError(pipe.Context(), err))
			return
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = convertUsage(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if err := pipe.Emit(TextFragment(choice.Delta.Content)); err != nil {
					return
				}
			}
			if choice.Logprobs != nil {
				for _, lp := range choice.Logprobs.Content {
					if err := pipe.Emit(TokenFragment(rawFromStreamLogprob(lp))); err != nil {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
				sawFinish = true
			}
		}
	}

	if !sawFinish {
		pipe.Finish(nil)
		return
	}
	pipe.Finish(&Summary{
		Text:         text.String(),
		FinishReason: finish,
		Usage:        usage,
		Model:        model,
	})
}

func buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	p := req.Params
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == params.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	out := openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         msgs,
		MaxTokens:        p.MaxTokens,
		Temperature:      nonZero(p.Temperature),
		TopP:             nonZero(p.TopP),
		PresencePenalty:  float32(p.PresencePenalty),
		FrequencyPenalty: float32(p.FrequencyPenalty),
		LogProbs:         true,
		TopLogProbs:      p.TopLogprobs,
		Stream:           stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// nonZero keeps an explicit zero on the wire; go-openai omits zero floats.
func nonZero(f float64) float32 {
	if f == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(f)
}

func convertUsage(u *openai.Usage) *logprob.Usage {
	return &logprob.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func rawFromLogProb(lp openai.LogProb) RawToken {
	tok, v := lp.Token, lp.LogProb
	raw := RawToken{Token: &tok, Logprob: &v}
	for _, alt := range lp.TopLogProbs {
		at, av := alt.Token, alt.LogProb
		raw.TopLogprobs = append(raw.TopLogprobs, RawAlt{Token: &at, Logprob: &av})
	}
	return raw
}

func rawFromStreamLogprob(lp openai.ChatCompletionTokenLogprob) RawToken {
	tok, v := lp.Token, lp.Logprob
	raw := RawToken{Token: &tok, Logprob: &v}
	for _, alt := range lp.TopLogprobs {
		at, av := alt.Token, alt.Logprob
		raw.TopLogprobs = append(raw.TopLogprobs, RawAlt{Token: &at, Logprob: &av})
	}
	return raw
}

// wrapError maps transport and API failures onto the relay's sentinels.
func wrapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apierrors.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: status %d: %s", apierrors.ErrUpstream, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: status %d: %w", apierrors.ErrUpstream, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return fmt.Errorf("%w: %w", apierrors.ErrUpstream, err)
}
