package params

import "fmt"

// Message roles accepted from clients.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContinuationMode selects how a force prefix is applied.
type ContinuationMode string

const (
	// ModeAssistantPrefix appends the prefix as a trailing assistant message.
	ModeAssistantPrefix ContinuationMode = "assistant-prefix"
	// ModeHint leaves the conversation untouched.
	ModeHint ContinuationMode = "hint"
)

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteRequest is the body of POST /complete and POST /complete/stream.
// Sampling fields are pointers so omitted values can take their defaults.
type CompleteRequest struct {
	Messages         []ChatMessage    `json:"messages"`
	Model            string           `json:"model"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	TopLogprobs      *int             `json:"top_logprobs,omitempty"`
	ForcePrefix      string           `json:"force_prefix,omitempty"`
	ContinuationMode ContinuationMode `json:"continuation_mode,omitempty"`
}

// Validate returns one human-readable issue per violated constraint. An
// empty result means the request is well-formed.
func (r *CompleteRequest) Validate() []string {
	var issues []string
	if len(r.Messages) == 0 {
		issues = append(issues, "messages must contain at least 1 message")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			issues = append(issues, fmt.Sprintf("messages[%d].role must be %q or %q", i, RoleUser, RoleAssistant))
		}
	}
	if r.Model == "" {
		issues = append(issues, "model is required")
	}

	issues = checkFloat(issues, "temperature", r.Temperature, MinTemperature, MaxTemperature)
	issues = checkFloat(issues, "top_p", r.TopP, MinTopP, MaxTopP)
	issues = checkFloat(issues, "presence_penalty", r.PresencePenalty, MinPenalty, MaxPenalty)
	issues = checkFloat(issues, "frequency_penalty", r.FrequencyPenalty, MinPenalty, MaxPenalty)
	issues = checkInt(issues, "max_tokens", r.MaxTokens, MinMaxTokens, MaxMaxTokens)
	issues = checkInt(issues, "top_logprobs", r.TopLogprobs, MinTopLogprobs, MaxTopLogprobs)

	switch r.ContinuationMode {
	case "", ModeAssistantPrefix, ModeHint:
	default:
		issues = append(issues, fmt.Sprintf("continuation_mode must be %q or %q", ModeAssistantPrefix, ModeHint))
	}
	return issues
}

// Parameters resolves omitted fields to their defaults and clamps the
// result.
func (r *CompleteRequest) Parameters() RunParameters {
	p := Defaults()
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		p.TopP = *r.TopP
	}
	if r.PresencePenalty != nil {
		p.PresencePenalty = *r.PresencePenalty
	}
	if r.FrequencyPenalty != nil {
		p.FrequencyPenalty = *r.FrequencyPenalty
	}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	if r.TopLogprobs != nil {
		p.TopLogprobs = *r.TopLogprobs
	}
	return p.Clamp()
}

// Mode returns the continuation mode, defaulting to assistant-prefix.
func (r *CompleteRequest) Mode() ContinuationMode {
	if r.ContinuationMode == "" {
		return ModeAssistantPrefix
	}
	return r.ContinuationMode
}

// OutgoingMessages returns the conversation to send upstream and the prefix
// to echo back. In assistant-prefix mode a non-empty force prefix becomes a
// synthetic trailing assistant message. Hint mode is accepted but does not
// change the conversation.
func (r *CompleteRequest) OutgoingMessages() (msgs []ChatMessage, echo string) {
	msgs = make([]ChatMessage, len(r.Messages), len(r.Messages)+1)
	copy(msgs, r.Messages)
	if r.ForcePrefix != "" && r.Mode() == ModeAssistantPrefix {
		msgs = append(msgs, ChatMessage{Role: RoleAssistant, Content: r.ForcePrefix})
		echo = r.ForcePrefix
	}
	return msgs, echo
}
