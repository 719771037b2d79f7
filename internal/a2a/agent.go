package a2a

import (
	"fmt"
	"iter"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/logprob-relay/internal/params"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
	"github.com/zhengjr9/logprob-relay/internal/relay"
)

// AgentConfig holds the configuration for the relay-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Relay is shared with the HTTP surface.
	Relay *relay.Relay
	// Model is sent upstream for every A2A message.
	Model string
}

// New returns an agent.Agent whose Run logic streams a completion through
// the relay and converts its events into session.Events that the ADK runner
// understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("a2a agent: Relay must not be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("a2a agent: Model must not be empty")
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			sink := newEventSink(ctx.InvocationID(), ctx.Branch(), cfg.Name, yield)

			query := extractQuery(ctx.UserContent())
			if query == "" {
				_ = sink.Send(protocol.NewDone(nil))
				return
			}

			plan, err := cfg.Relay.Prepare(&params.CompleteRequest{
				Messages: []params.ChatMessage{{Role: params.RoleUser, Content: query}},
				Model:    cfg.Model,
			})
			if err != nil {
				yield(nil, fmt.Errorf("prepare completion: %w", err))
				return
			}
			cfg.Relay.Stream(ctx, plan, sink)
		}
	}
}

// eventSink adapts relay events to ADK session events: every delta becomes
// a partial event and done becomes the final one.
type eventSink struct {
	invocationID string
	branch       string
	author       string
	yield        func(*session.Event, error) bool
	stopped      bool
}

func newEventSink(invocationID, branch, author string, yield func(*session.Event, error) bool) *eventSink {
	return &eventSink{invocationID: invocationID, branch: branch, author: author, yield: yield}
}

func (s *eventSink) Send(ev protocol.Event) error {
	if s.stopped {
		return protocol.ErrAborted
	}

	var ok bool
	switch e := ev.(type) {
	case protocol.DeltaEvent:
		ok = s.yield(s.event(e.Delta, true), nil)
	case protocol.DoneEvent:
		switch {
		case e.Error != "":
			ok = s.yield(nil, fmt.Errorf("completion failed: %s", e.Error))
		case e.Completion == nil:
			ok = s.yield(s.event("(empty input)", false), nil)
		default:
			ok = s.yield(s.event(e.Completion.Text, false), nil)
		}
		s.stopped = true
	default:
		return nil
	}

	if !ok {
		s.stopped = true
		return protocol.ErrAborted
	}
	return nil
}

func (s *eventSink) event(text string, partial bool) *session.Event {
	ev := session.NewEvent(s.invocationID)
	ev.Author = s.author
	ev.Branch = s.branch
	ev.LLMResponse = model.LLMResponse{
		Content: textContent(text),
		Partial: partial,
	}
	return ev
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// textContent is a small helper that wraps a string into a *genai.Content.
func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
