// Package client is a Go client for the relay's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhengjr9/logprob-relay/internal/config"
	"github.com/zhengjr9/logprob-relay/internal/httputil"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
)

var (
	// ErrIncomplete is returned when a stream ends without a done event.
	ErrIncomplete = errors.New("event stream ended without done")
	// ErrStreamFailed wraps the error carried by a done event.
	ErrStreamFailed = errors.New("completion failed")
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
	Issues     []string
}

func (e *APIError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("relay %d: %s (%s)", e.StatusCode, e.Message, strings.Join(e.Issues, "; "))
	}
	return fmt.Sprintf("relay %d: %s", e.StatusCode, e.Message)
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	Version   string `json:"version"`
	RequestID string `json:"request_id"`
}

// Client talks to a running relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the relay at baseURL, including any base path.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) Models(ctx context.Context) ([]config.Model, error) {
	var models []config.Model
	if err := c.getJSON(ctx, "/models", &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Complete calls POST /complete.
func (c *Client) Complete(ctx context.Context, req *params.CompleteRequest) (*logprob.CompletionLP, error) {
	resp, err := c.post(ctx, "/complete", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out logprob.CompletionLP
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &out, nil
}

// EventStream is an open POST /complete/stream response.
type EventStream struct {
	RequestID string
	body      io.ReadCloser
	dec       *protocol.Decoder
}

// Next returns the next event, or io.EOF.
func (s *EventStream) Next() (protocol.Event, error) { return s.dec.Next() }

// Skipped returns how many malformed lines were ignored.
func (s *EventStream) Skipped() int { return s.dec.Skipped() }

func (s *EventStream) Close() error { return s.body.Close() }

// Stream calls POST /complete/stream. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, req *params.CompleteRequest) (*EventStream, error) {
	resp, err := c.post(ctx, "/complete/stream", req)
	if err != nil {
		return nil, err
	}
	return &EventStream{
		RequestID: resp.Header.Get(httputil.RequestIDHeader),
		body:      resp.Body,
		dec:       protocol.NewDecoder(resp.Body),
	}, nil
}

// StreamHandler receives events as they arrive.
type StreamHandler interface {
	OnDelta(text string)
	OnToken(tok logprob.TokenLP)
}

// StreamCompletion streams req through h and returns the final completion.
func (c *Client) StreamCompletion(ctx context.Context, req *params.CompleteRequest, h StreamHandler) (*logprob.CompletionLP, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrIncomplete
		}
		if err != nil {
			return nil, err
		}
		switch e := ev.(type) {
		case protocol.DeltaEvent:
			h.OnDelta(e.Delta)
		case protocol.LogprobsEvent:
			h.OnToken(e.Delta)
		case protocol.DoneEvent:
			if e.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrStreamFailed, e.Error)
			}
			if e.Completion == nil {
				return nil, ErrIncomplete
			}
			return e.Completion, nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Message string   `json:"message"`
			Issues  []string `json:"issues"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Message != "" {
			apiErr.Message = body.Message
			apiErr.Issues = body.Issues
		}
		return nil, apiErr
	}
	return resp, nil
}
