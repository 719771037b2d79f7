package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Model is one entry of the model catalogue served at GET /models.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

const defaultModels = "gpt-4o-mini=GPT-4o mini,gpt-4o=GPT-4o"

type Config struct {
	ListenAddr     string
	BasePath       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIProxyURL string
	Models         []Model
	RequestTimeout time.Duration
	LogLevel       string
	LogFile        string
	// A2A
	A2AEnabled bool
	A2APort    int
	AgentName  string
	AgentDesc  string
	AgentModel string
}

// Load reads .env (if present), then the environment and command-line flags.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg, err := LoadFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// LoadFlags registers the configuration flags on fs, with defaults taken
// from the environment, and parses args.
func LoadFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	var models string

	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":8080"), "Relay listen address")
	fs.StringVar(&cfg.BasePath, "base-path", getEnv("BASE_PATH", ""), "Path prefix for all routes (e.g. /api)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", getEnv("OPENAI_API_KEY", ""), "Upstream API key")
	fs.StringVar(&cfg.OpenAIBaseURL, "openai-base-url", getEnv("OPENAI_BASE_URL", ""), "OpenAI-compatible base URL (default api.openai.com)")
	fs.StringVar(&cfg.OpenAIProxyURL, "openai-proxy-url", getEnv("OPENAI_PROXY_URL", ""), "HTTP/HTTPS proxy URL for upstream requests (e.g. http://proxy:8080)")
	fs.StringVar(&models, "models", getEnv("MODELS", defaultModels), "Model catalogue as id=Name pairs separated by commas")

	timeoutStr := getEnv("REQUEST_TIMEOUT", "120s")
	defaultTimeout, _ := time.ParseDuration(timeoutStr)
	if defaultTimeout == 0 {
		defaultTimeout = 120 * time.Second
	}
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultTimeout, "Upstream round-trip timeout")

	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Also write JSON logs to this rotating file")

	fs.BoolVar(&cfg.A2AEnabled, "a2a", getEnvBool("A2A_ENABLED", false), "Enable A2A server alongside the relay")
	fs.IntVar(&cfg.A2APort, "a2a-port", getEnvInt("A2A_PORT", 8000), "A2A server listen port")
	fs.StringVar(&cfg.AgentName, "agent-name", getEnv("AGENT_NAME", "logprob-relay"), "A2A AgentCard name")
	fs.StringVar(&cfg.AgentDesc, "agent-desc", getEnv("AGENT_DESC", "Completions with per-token log probabilities exposed via A2A protocol"), "A2A AgentCard description")
	fs.StringVar(&cfg.AgentModel, "agent-model", getEnv("AGENT_MODEL", "gpt-4o-mini"), "Model used for A2A requests")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	parsed, err := ParseModels(models)
	if err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	cfg.Models = parsed
	cfg.BasePath = NormalizeBasePath(cfg.BasePath)
	return cfg, nil
}

// ParseModels parses "id=Name,id2=Name2". A missing name defaults to the id.
// An empty string yields an empty catalogue.
func ParseModels(s string) ([]Model, error) {
	models := []Model{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("model entry %q has no id", part)
		}
		if name == "" {
			name = id
		}
		models = append(models, Model{ID: id, Name: name})
	}
	return models, nil
}

// NormalizeBasePath returns p with a leading slash and no trailing slash,
// or "" for the root.
func NormalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
