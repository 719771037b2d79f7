package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhengjr9/logprob-relay/internal/config"
	apierrors "github.com/zhengjr9/logprob-relay/internal/errors"
	"github.com/zhengjr9/logprob-relay/internal/relay"
)

// Version is reported by GET /health. Overridden at build time.
var Version = "dev"

// Server is the relay HTTP server.
type Server struct {
	httpServer *http.Server
	relay      *relay.Relay
	models     []config.Model
	started    time.Time
}

// New constructs a Server from the given config. The relay is shared with
// any other surface, such as the A2A agent.
func New(cfg *config.Config, rl *relay.Relay) *Server {
	s := &Server{
		relay:   rl,
		models:  cfg.Models,
		started: time.Now(),
	}
	if s.models == nil {
		s.models = []config.Model{}
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteJSONError(w, http.StatusNotFound, "route not found: "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteJSONError(w, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	api := router
	if cfg.BasePath != "" {
		api = router.PathPrefix(cfg.BasePath).Subrouter()
	}
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/complete/stream", s.handleStream).Methods(http.MethodPost)

	var handler http.Handler = router
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(cfg.RequestTimeout),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeTimeout leaves room for the done event after the upstream deadline.
// A zero request timeout means streams are unbounded, so writes are too.
func writeTimeout(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		return 0
	}
	return requestTimeout + 10*time.Second
}
