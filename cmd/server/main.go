package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"golang.org/x/sync/errgroup"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/logprob-relay/internal/a2a"
	"github.com/zhengjr9/logprob-relay/internal/config"
	"github.com/zhengjr9/logprob-relay/internal/httputil"
	"github.com/zhengjr9/logprob-relay/internal/logging"
	"github.com/zhengjr9/logprob-relay/internal/proxy"
	"github.com/zhengjr9/logprob-relay/internal/relay"
	"github.com/zhengjr9/logprob-relay/internal/upstream"
)

var version = "dev"

const shutdownGrace = 30 * time.Second

func main() {
	cfg := config.Load()

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("failed to open log file", "file", cfg.LogFile, "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	proxy.Version = version
	slog.Info("starting logprob-relay",
		"version", version,
		"listen", cfg.ListenAddr,
		"base_path", cfg.BasePath,
		"upstream", cfg.OpenAIBaseURL,
		"models", len(cfg.Models),
		"a2a_enabled", cfg.A2AEnabled,
	)

	provider := upstream.NewOpenAI(upstream.OpenAIConfig{
		APIKey:   cfg.OpenAIAPIKey,
		BaseURL:  cfg.OpenAIBaseURL,
		ProxyURL: cfg.OpenAIProxyURL,
		Timeout:  cfg.RequestTimeout,
	})
	if err := provider.Ready(); err != nil {
		// Requests are answered with a 500 until a key is configured.
		slog.Warn("upstream not ready", "error", err)
	}
	rl := relay.New(provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	srv := proxy.New(cfg, rl)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if cfg.A2AEnabled {
		relayAgent, err := a2a.New(a2a.AgentConfig{
			Name:        cfg.AgentName,
			Description: cfg.AgentDesc,
			Relay:       rl,
			Model:       cfg.AgentModel,
		})
		if err != nil {
			slog.Error("failed to create A2A agent", "error", err)
			os.Exit(1)
		}

		slog.Info("starting A2A server", "port", cfg.A2APort, "agent_name", cfg.AgentName, "model", cfg.AgentModel)

		inner := a2a_app.NewAgentkitA2AServerApp(
			apps.DefaultApiConfig().SetPort(cfg.A2APort),
		)
		wrapped := &requestIDApp{BasicApp: inner}
		g.Go(func() error {
			return wrapped.Run(gctx, &apps.RunConfig{
				AgentLoader: agent.NewSingleLoader(relayAgent),
			})
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// requestIDApp wraps a BasicApp and installs an HTTP middleware on the
// Gorilla mux router that tags every A2A request with a correlation ID, so
// relay logs for agent calls carry a request_id like HTTP calls do.
type requestIDApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives `w` as the app
// argument. Without this, the embedded Run calls apps.Run with the inner app,
// meaning apps.Run would invoke SetupRouters on the inner app and our
// middleware override would never be registered.
func (w *requestIDApp) Run(ctx context.Context, config *apps.RunConfig) error {
	return apps.Run(ctx, config, w)
}

func (w *requestIDApp) SetupRouters(router *mux.Router, config *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, config); err != nil {
		return err
	}
	router.Use(requestIDMiddleware)
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httputil.ExtractRequestID(r)
		w.Header().Set(httputil.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(httputil.ContextWithRequestID(r.Context(), id)))
	})
}
