package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/httputil"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
	"github.com/zhengjr9/logprob-relay/internal/protocol"
)

const maxBodyBytes = 1 << 20

type healthResponse struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	Version   string `json:"version"`
	RequestID string `json:"request_id"`
}

// completeResponse is a CompletionLP with the request's correlation ID.
type completeResponse struct {
	logprob.CompletionLP
	RequestID string `json:"request_id"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.models)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Uptime:    int64(time.Since(s.started).Seconds()),
		Version:   Version,
		RequestID: httputil.RequestIDFromContext(r.Context()),
	})
}

// handleComplete handles POST /complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}
	plan, err := s.relay.Prepare(req)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}

	c, err := s.relay.Complete(r.Context(), plan)
	if err != nil {
		slog.Warn("completion failed",
			"request_id", httputil.RequestIDFromContext(r.Context()),
			"model", plan.Request.Model,
			"error", err,
		)
		apierrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		CompletionLP: *c,
		RequestID:    httputil.RequestIDFromContext(r.Context()),
	})
}

// handleStream handles POST /complete/stream. Errors found before the
// stream starts are plain JSON errors; later ones arrive as a done event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}
	plan, err := s.relay.Prepare(req)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}

	httputil.SetNDJSONHeaders(w)
	w.WriteHeader(http.StatusOK)

	sink := protocol.NewWriter(w, flusher(w))
	state := s.relay.Stream(r.Context(), plan, sink)
	slog.Info("stream finished",
		"request_id", httputil.RequestIDFromContext(r.Context()),
		"model", plan.Request.Model,
		"state", state.String(),
		"events", sink.Sent(),
	)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*params.CompleteRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req params.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	return &req, nil
}

// writeJSON encodes v before committing the status, so an unencodable
// value becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "error", err)
		apierrors.WriteJSONError(w, http.StatusInternalServerError, "response encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
