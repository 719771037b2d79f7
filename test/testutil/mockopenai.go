package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockToken is one generated token with its alternatives.
type MockToken struct {
	Text    string
	Logprob float64
	Alts    map[string]float64
}

// MockOpenAI is an httptest.Server that simulates the /v1/chat/completions
// endpoint of an OpenAI-compatible provider, including streamed logprobs.
type MockOpenAI struct {
	Server *httptest.Server

	Model  string
	Tokens []MockToken

	// OmitLogprobs drops the logprobs block from responses.
	OmitLogprobs bool
	// OmitFinish ends the stream without a finish_reason chunk.
	OmitFinish bool
	// FailStatus makes every request fail with this HTTP status.
	FailStatus int
	// AbortAfter cuts the connection after this many streamed tokens (>0).
	AbortAfter int
	// Delay is slept between streamed chunks.
	Delay time.Duration

	mu          sync.Mutex
	lastRequest map[string]any
	requests    int
	released    chan struct{}
}

// NewMockOpenAI creates and starts a mock server emitting tokens.
func NewMockOpenAI(model string, tokens []MockToken) *MockOpenAI {
	m := &MockOpenAI{Model: model, Tokens: tokens, released: make(chan struct{}, 16)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// DefaultTokens is a short completion: "Hello, world".
func DefaultTokens() []MockToken {
	return []MockToken{
		{Text: "Hello", Logprob: -0.1, Alts: map[string]float64{"Hello": -0.1, "Hi": -2.4}},
		{Text: ",", Logprob: -0.5, Alts: map[string]float64{",": -0.5, "!": -1.2}},
		{Text: " world", Logprob: -1.7, Alts: map[string]float64{" world": -1.7, " there": -0.9}},
	}
}

// Close shuts down the mock server.
func (m *MockOpenAI) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockOpenAI) URL() string {
	return m.Server.URL
}

// LastRequest returns the most recent parsed request body.
func (m *MockOpenAI) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Requests returns how many completion requests were received.
func (m *MockOpenAI) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Released receives once for every streaming request whose context was
// cancelled by the caller before the stream completed.
func (m *MockOpenAI) Released() <-chan struct{} {
	return m.released
}

// Text is the concatenation of the configured tokens.
func (m *MockOpenAI) Text() string {
	var b strings.Builder
	for _, t := range m.Tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

func (m *MockOpenAI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastRequest = body
	m.requests++
	m.mu.Unlock()

	if m.FailStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.FailStatus)
		fmt.Fprintf(w, `{"error":{"message":"mock failure","type":"server_error","code":"mock"}}`)
		return
	}

	if stream, _ := body["stream"].(bool); stream {
		m.writeStreaming(w, r)
		return
	}
	m.writeBlocking(w)
}

func (m *MockOpenAI) logprobEntry(t MockToken) map[string]any {
	alts := make([]map[string]any, 0, len(t.Alts))
	for tok, lp := range t.Alts {
		alts = append(alts, map[string]any{"token": tok, "logprob": lp, "bytes": nil})
	}
	sortAlts(alts)
	return map[string]any{
		"token":        t.Text,
		"logprob":      t.Logprob,
		"bytes":        nil,
		"top_logprobs": alts,
	}
}

func (m *MockOpenAI) usage() map[string]any {
	return map[string]any{
		"prompt_tokens":     7,
		"completion_tokens": len(m.Tokens),
		"total_tokens":      7 + len(m.Tokens),
	}
}

func (m *MockOpenAI) writeBlocking(w http.ResponseWriter) {
	choice := map[string]any{
		"index":         0,
		"message":       map[string]any{"role": "assistant", "content": m.Text()},
		"finish_reason": "stop",
	}
	if !m.OmitLogprobs {
		content := make([]map[string]any, 0, len(m.Tokens))
		for _, t := range m.Tokens {
			content = append(content, m.logprobEntry(t))
		}
		choice["logprobs"] = map[string]any{"content": content}
	}
	resp := map[string]any{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   m.Model,
		"choices": []any{choice},
		"usage":   m.usage(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockOpenAI) writeStreaming(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	send := func(chunk map[string]any) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if hasFlusher {
			flusher.Flush()
		}
	}
	chunk := func(choices []any) map[string]any {
		return map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   m.Model,
			"choices": choices,
		}
	}

	for i, t := range m.Tokens {
		if m.AbortAfter > 0 && i == m.AbortAfter {
			panic(http.ErrAbortHandler)
		}
		choice := map[string]any{
			"index":         0,
			"delta":         map[string]any{"content": t.Text},
			"finish_reason": nil,
		}
		if !m.OmitLogprobs {
			choice["logprobs"] = map[string]any{"content": []any{m.logprobEntry(t)}}
		}
		send(chunk([]any{choice}))
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-r.Context().Done():
				m.released <- struct{}{}
				return
			}
		}
	}

	if m.OmitFinish {
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}
	send(chunk([]any{map[string]any{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": "stop",
	}}))
	usage := chunk([]any{})
	usage["usage"] = m.usage()
	send(usage)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if hasFlusher {
		flusher.Flush()
	}
}

// sortAlts orders alternatives by descending logprob, as providers do.
func sortAlts(alts []map[string]any) {
	sort.Slice(alts, func(i, j int) bool {
		a, _ := alts[i]["logprob"].(float64)
		b, _ := alts[j]["logprob"].(float64)
		if a != b {
			return a > b
		}
		return alts[i]["token"].(string) < alts[j]["token"].(string)
	})
}
