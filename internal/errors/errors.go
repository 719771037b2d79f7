package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrMalformedBody     = errors.New("malformed request body")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrMissingCredential = errors.New("missing upstream API key")
	ErrNoLogprobs        = errors.New("model response lacked token logprobs")
	ErrUpstream          = errors.New("upstream returned an error")
	ErrUpstreamTimeout   = errors.New("upstream request timed out")
)

// ValidationError carries the individual issues found in a request.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string { return ErrInvalidRequest.Error() }

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

type jsonError struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// WriteError maps err onto its HTTP status and writes the JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	body := jsonError{
		Error:   http.StatusText(status),
		Message: Message(err),
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body.Issues = verr.Issues
	}
	writeJSON(w, status, body)
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMalformedBody), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingCredential):
		return http.StatusInternalServerError
	case errors.Is(err, ErrNoLogprobs):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNoLogprobs):
		return "Model response lacked token logprobs. Pick a supported model."
	case errors.Is(err, ErrMissingCredential):
		return "Missing OPENAI_API_KEY on server"
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "upstream timeout"
	default:
		return err.Error()
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, body jsonError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
