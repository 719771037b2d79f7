// Package protocol defines the line-delimited event stream exchanged between
// the relay and its clients.
//
// A stream is a sequence of JSON objects, one per line, discriminated by
// their "type" field:
//
//   - "delta": incremental completion text.
//   - "logprobs": one fully formed token with its alternatives.
//   - "done": the terminal event, carrying either the final completion or an
//     error string. Exactly one is sent per stream and it is always last.
package protocol

import (
	"github.com/zhengjr9/logprob-relay/internal/logprob"
)

// EventType discriminates stream events.
type EventType string

const (
	TypeDelta    EventType = "delta"
	TypeLogprobs EventType = "logprobs"
	TypeDone     EventType = "done"
)

// Event is implemented by every stream event.
type Event interface {
	EventType() EventType
}

// DeltaEvent carries a text fragment exactly as the upstream produced it.
type DeltaEvent struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta"`
}

func (DeltaEvent) EventType() EventType { return TypeDelta }

// LogprobsEvent carries a single token.
type LogprobsEvent struct {
	Type  EventType       `json:"type"`
	Delta logprob.TokenLP `json:"delta"`
}

func (LogprobsEvent) EventType() EventType { return TypeLogprobs }

// DoneEvent terminates a stream. At most one of Completion and Error is set.
type DoneEvent struct {
	Type       EventType             `json:"type"`
	Completion *logprob.CompletionLP `json:"completion,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (DoneEvent) EventType() EventType { return TypeDone }

func NewDelta(text string) DeltaEvent {
	return DeltaEvent{Type: TypeDelta, Delta: text}
}

func NewLogprobs(tok logprob.TokenLP) LogprobsEvent {
	return LogprobsEvent{Type: TypeLogprobs, Delta: tok}
}

func NewDone(c *logprob.CompletionLP) DoneEvent {
	return DoneEvent{Type: TypeDone, Completion: c}
}

func NewDoneError(msg string) DoneEvent {
	if msg == "" {
		msg = "unknown error"
	}
	return DoneEvent{Type: TypeDone, Error: msg}
}

// Sink receives events in emission order. A non-nil error from Send means
// the consumer is gone and nothing further will be delivered.
type Sink interface {
	Send(ev Event) error
}
