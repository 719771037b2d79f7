package httputil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractRequestID(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.Header.Set(RequestIDHeader, "  abc-123 ")
	if got := ExtractRequestID(r); got != "abc-123" {
		t.Errorf("expected inbound id, got %q", got)
	}

	r = httptest.NewRequest("GET", "/health", nil)
	generated := ExtractRequestID(r)
	if len(generated) != 36 {
		t.Errorf("expected generated UUID, got %q", generated)
	}

	r.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	if got := ExtractRequestID(r); len(got) != 36 {
		t.Errorf("expected overlong id to be replaced, got %d chars", len(got))
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "rid")
	if got := RequestIDFromContext(ctx); got != "rid" {
		t.Errorf("expected rid, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}

func TestSetNDJSONHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetNDJSONHeaders(w)
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("unexpected cache control %q", cc)
	}
}
