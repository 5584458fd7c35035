// Package config loads and validates runtime configuration from the
// environment. Both processes (worker and webhook service) share one Settings
// struct; each main loads `.env` via godotenv before calling Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppEnv selects environment-dependent behavior: log format and the webhook
// signature dev bypass.
type AppEnv string

const (
	EnvDevelopment AppEnv = "development"
	EnvProduction  AppEnv = "production"
	EnvTesting     AppEnv = "testing"
)

// IsProduction reports whether the process runs with production hardening
// (JSON logs, mandatory webhook signatures).
func (e AppEnv) IsProduction() bool { return e == EnvProduction }

// IsDevelopment reports whether dev conveniences (text logs, signature
// bypass, debug blob stash) are enabled.
func (e AppEnv) IsDevelopment() bool { return e == EnvDevelopment }

// Settings is the full runtime configuration.
type Settings struct {
	AppEnv    AppEnv
	LogLevel  string
	RedisURL  string
	SentryDSN string

	// DatabaseURL is the Postgres DSN for the identity store. Empty runs
	// the worker in anonymous mode: no identity binding, no onboarding.
	DatabaseURL string

	OpenAI   OpenAIConfig
	Infobip  InfobipConfig
	Mobility MobilityConfig
	Worker   WorkerConfig
	Context  ContextConfig
	Registry RegistryConfig
	Webhook  WebhookConfig
}

// OpenAIConfig configures the LLM chat and embedding client.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint, mainly for tests and proxies.
	BaseURL string

	// ConfidenceThreshold is kept for the legacy synchronous flow; the
	// registry relevance cut-off lives in RegistryConfig.
	ConfidenceThreshold float64

	// RequestsPerMinute throttles chat completions per process. 0 disables.
	RequestsPerMinute int

	ChatTimeout  time.Duration
	EmbedTimeout time.Duration
}

// InfobipConfig configures the outbound WhatsApp gateway and webhook HMAC.
type InfobipConfig struct {
	// BaseURL is the API host, scheme optional ("xyz.api.infobip.com").
	BaseURL      string
	APIKey       string
	SenderNumber string
	SecretKey    string
}

// MobilityConfig configures the tool gateway target and its OAuth2 client.
type MobilityConfig struct {
	APIURL   string
	APIToken string

	// OAuth2 client-credentials refresh; optional. When AuthURL is empty a
	// 401 from the API is surfaced to the agent instead of retried.
	AuthURL      string
	ClientID     string
	ClientSecret string
	Scope        string
}

// WorkerConfig tunes the message-processing loop.
type WorkerConfig struct {
	// BatchSize is the maximum number of stream entries claimed per tick.
	BatchSize int64

	// BlockTimeout bounds the XREADGROUP block on an empty stream.
	BlockTimeout time.Duration

	// PopTimeout bounds the outbound BLPOP.
	PopTimeout time.Duration

	// LockTTL is the per-message distributed lock lifetime.
	LockTTL time.Duration

	// RateLimit is the per-sender message allowance within RateWindow.
	RateLimit  int64
	RateWindow time.Duration

	// TickYield is the pause after every loop tick; ErrorPause after a
	// pipeline failure.
	TickYield  time.Duration
	ErrorPause time.Duration

	// DrainTimeout bounds the wait for in-flight tasks during shutdown.
	DrainTimeout time.Duration

	// HeartbeatTTL bounds how long a silent worker still counts as alive.
	HeartbeatTTL time.Duration

	// MetricsAddr serves Prometheus metrics and the health probe.
	MetricsAddr string
}

// ContextConfig tunes conversation history storage and compaction.
type ContextConfig struct {
	TTL time.Duration

	// MaxTokens triggers compaction; TargetTokens is the post-compaction
	// budget for retained messages.
	MaxTokens    int
	TargetTokens int

	// MaxContentSize is the serialized-content guard in bytes.
	MaxContentSize int

	// SummaryMaxTokens caps the LLM summary reply.
	SummaryMaxTokens int
}

// RegistryConfig tunes OpenAPI ingestion and semantic retrieval.
type RegistryConfig struct {
	// SwaggerURL is a URL or a local file path; it defaults to
	// "swagger.json" in the working directory.
	SwaggerURL string

	RefreshInterval    time.Duration
	RelevanceThreshold float64
	TopK               int
}

// WebhookConfig tunes the ingress HTTP service.
type WebhookConfig struct {
	Addr string

	// RateLimitPerMinute bounds callbacks per client IP.
	RateLimitPerMinute int64
}

// DefaultWorkerConfig returns the built-in worker loop defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		BlockTimeout: 2 * time.Second,
		PopTimeout:   1 * time.Second,
		LockTTL:      10 * time.Second,
		RateLimit:    20,
		RateWindow:   60 * time.Second,
		TickYield:    10 * time.Millisecond,
		ErrorPause:   1 * time.Second,
		DrainTimeout: 2 * time.Second,
		HeartbeatTTL: 30 * time.Second,
		MetricsAddr:  ":8001",
	}
}

// DefaultContextConfig returns the built-in history defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		TTL:              4 * time.Hour,
		MaxTokens:        2500,
		TargetTokens:     1500,
		MaxContentSize:   15 * 1024,
		SummaryMaxTokens: 200,
	}
}

// DefaultRegistryConfig returns the built-in registry defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SwaggerURL:         "swagger.json",
		RefreshInterval:    300 * time.Second,
		RelevanceThreshold: 0.25,
		TopK:               3,
	}
}

// Load reads Settings from the environment, applying defaults for everything
// optional. Call Validate before using the result.
func Load() (*Settings, error) {
	env := AppEnv(getEnvOrDefault("APP_ENV", string(EnvDevelopment)))
	switch env {
	case EnvDevelopment, EnvProduction, EnvTesting:
	default:
		return nil, fmt.Errorf("invalid APP_ENV %q (want development, production or testing)", env)
	}

	confidence, err := getEnvFloat("AI_CONFIDENCE_THRESHOLD", 0.85)
	if err != nil {
		return nil, err
	}
	relevance, err := getEnvFloat("TOOL_RELEVANCE_THRESHOLD", 0.25)
	if err != nil {
		return nil, err
	}

	worker := DefaultWorkerConfig()
	worker.MetricsAddr = getEnvOrDefault("METRICS_ADDR", worker.MetricsAddr)

	registry := DefaultRegistryConfig()
	registry.SwaggerURL = getEnvOrDefault("SWAGGER_URL", "swagger.json")
	registry.RelevanceThreshold = relevance
	refreshSecs, err := getEnvInt("SWAGGER_REFRESH_INTERVAL", 300)
	if err != nil {
		return nil, err
	}
	registry.RefreshInterval = time.Duration(refreshSecs) * time.Second

	rpm, err := getEnvInt("OPENAI_RPM", 0)
	if err != nil {
		return nil, err
	}
	webhookRate, err := getEnvInt("WEBHOOK_RATE_LIMIT", 50)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		AppEnv:    env,
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		RedisURL:  os.Getenv("REDIS_URL"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		OpenAI: OpenAIConfig{
			APIKey:              os.Getenv("OPENAI_API_KEY"),
			Model:               getEnvOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
			BaseURL:             os.Getenv("OPENAI_BASE_URL"),
			ConfidenceThreshold: confidence,
			RequestsPerMinute:   rpm,
			ChatTimeout:         60 * time.Second,
			EmbedTimeout:        30 * time.Second,
		},
		Infobip: InfobipConfig{
			BaseURL:      os.Getenv("INFOBIP_BASE_URL"),
			APIKey:       os.Getenv("INFOBIP_API_KEY"),
			SenderNumber: os.Getenv("INFOBIP_SENDER_NUMBER"),
			SecretKey:    os.Getenv("INFOBIP_SECRET_KEY"),
		},
		Mobility: MobilityConfig{
			APIURL:       os.Getenv("MOBILITY_API_URL"),
			APIToken:     os.Getenv("MOBILITY_API_TOKEN"),
			AuthURL:      os.Getenv("MOBILITY_AUTH_URL"),
			ClientID:     os.Getenv("MOBILITY_CLIENT_ID"),
			ClientSecret: os.Getenv("MOBILITY_CLIENT_SECRET"),
			Scope:        getEnvOrDefault("MOBILITY_SCOPE", "add-case"),
		},
		Worker:   worker,
		Context:  DefaultContextConfig(),
		Registry: registry,
		Webhook: WebhookConfig{
			Addr:               getEnvOrDefault("WEBHOOK_ADDR", ":8080"),
			RateLimitPerMinute: int64(webhookRate),
		},
	}
	return s, nil
}

// Validate checks the fields the system cannot run without.
func (s *Settings) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("missing required configuration: %s", name)
	}
	if s.RedisURL == "" {
		return missing("REDIS_URL")
	}
	if s.OpenAI.APIKey == "" {
		return missing("OPENAI_API_KEY")
	}
	if s.Infobip.BaseURL == "" {
		return missing("INFOBIP_BASE_URL")
	}
	if s.Infobip.APIKey == "" {
		return missing("INFOBIP_API_KEY")
	}
	if s.Infobip.SenderNumber == "" {
		return missing("INFOBIP_SENDER_NUMBER")
	}
	if s.Infobip.SecretKey == "" {
		return missing("INFOBIP_SECRET_KEY")
	}
	if s.Mobility.APIURL == "" {
		return missing("MOBILITY_API_URL")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
