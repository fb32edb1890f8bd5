package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the feedback worker.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	NATSURL             string
	NATSStream          string
	NATSInboundSubject  string
	NATSResultsStream   string
	NATSResultsSubject  string
	NATSDurable         string
	NATSAckWait         time.Duration
	NATSMaxDeliver      int
	NATSFetchWait       time.Duration
	NATSDuplicateWindow time.Duration

	LMSBaseURL         string
	LMSContextEndpoint string
	LMSAPIKey          string
	LMSAPISecret       string

	ContextCacheTTL       time.Duration
	ContextFetchAttempts  int
	ContextFetchBaseDelay time.Duration
	HTTPTimeout           time.Duration

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	AIModel               string
	AIMaxTokens           int
	AITemperature         float32
	AITimeout             time.Duration
	AIGracefulDegradation bool

	EmbeddingModel      string
	EmbeddingDimensions int

	PipelineMaxAttempts   int
	PipelineSimilarK      int
	PipelineIndexFeedback bool

	IntakeRateLimit  int
	IntakeRateWindow time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Missing lists the settings the worker cannot run without, by key.
func (c Config) Missing() []string {
	required := []struct {
		key   string
		value string
	}{
		{"database.url", c.DatabaseURL},
		{"nats.url", c.NATSURL},
		{"lms.base_url", c.LMSBaseURL},
		{"lms.api_key", c.LMSAPIKey},
		{"lms.api_secret", c.LMSAPISecret},
		{"openai_api_key", c.OpenAIAPIKey},
		{"jwt.secret", c.JWTSecret},
	}

	var missing []string
	for _, setting := range required {
		if strings.TrimSpace(setting.value) == "" {
			missing = append(missing, setting.key)
		}
	}
	return missing
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Feedback Service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("nats.stream", "PLAGIARISM")
	v.SetDefault("nats.inbound_subject", "plagiarism.results")
	v.SetDefault("nats.results_stream", "FEEDBACK")
	v.SetDefault("nats.results_subject", "feedback.results")
	v.SetDefault("nats.durable", "feedback-worker")
	v.SetDefault("nats.ack_wait", "10m")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.fetch_wait", "5s")
	v.SetDefault("nats.duplicate_window", "2m")
	v.SetDefault("lms.context_endpoint", "/api/method/get_assignment_context")
	v.SetDefault("context.cache_ttl", "1h")
	v.SetDefault("context.fetch_attempts", 3)
	v.SetDefault("context.fetch_base_delay", "1s")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("ai.model", "gpt-4o")
	v.SetDefault("ai.max_tokens", 1500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("ai.graceful_degradation", false)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.similar_k", 5)
	v.SetDefault("pipeline.index_feedback", true)
	v.SetDefault("intake.rate_limit", 60)
	v.SetDefault("intake.rate_window", "1m")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"nats.ack_wait", "nats.fetch_wait", "nats.duplicate_window",
		"context.cache_ttl", "context.fetch_base_delay",
		"http.timeout", "ai.timeout", "intake.rate_window",
	} {
		value, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if value <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		durations[key] = value
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		LogLevel:              strings.ToLower(v.GetString("log.level")),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		JWTSecret:             v.GetString("jwt.secret"),
		NATSURL:               v.GetString("nats.url"),
		NATSStream:            v.GetString("nats.stream"),
		NATSInboundSubject:    v.GetString("nats.inbound_subject"),
		NATSResultsStream:     v.GetString("nats.results_stream"),
		NATSResultsSubject:    v.GetString("nats.results_subject"),
		NATSDurable:           v.GetString("nats.durable"),
		NATSAckWait:           durations["nats.ack_wait"],
		NATSMaxDeliver:        v.GetInt("nats.max_deliver"),
		NATSFetchWait:         durations["nats.fetch_wait"],
		NATSDuplicateWindow:   durations["nats.duplicate_window"],
		LMSBaseURL:            strings.TrimRight(v.GetString("lms.base_url"), "/"),
		LMSContextEndpoint:    v.GetString("lms.context_endpoint"),
		LMSAPIKey:             v.GetString("lms.api_key"),
		LMSAPISecret:          v.GetString("lms.api_secret"),
		ContextCacheTTL:       durations["context.cache_ttl"],
		ContextFetchAttempts:  v.GetInt("context.fetch_attempts"),
		ContextFetchBaseDelay: durations["context.fetch_base_delay"],
		HTTPTimeout:           durations["http.timeout"],
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		OpenAIBaseURL:         v.GetString("openai_base_url"),
		AIModel:               v.GetString("ai.model"),
		AIMaxTokens:           v.GetInt("ai.max_tokens"),
		AITemperature:         float32(v.GetFloat64("ai.temperature")),
		AITimeout:             durations["ai.timeout"],
		AIGracefulDegradation: v.GetBool("ai.graceful_degradation"),
		EmbeddingModel:        v.GetString("embedding.model"),
		EmbeddingDimensions:   v.GetInt("embedding.dimensions"),
		PipelineMaxAttempts:   v.GetInt("pipeline.max_attempts"),
		PipelineSimilarK:      v.GetInt("pipeline.similar_k"),
		PipelineIndexFeedback: v.GetBool("pipeline.index_feedback"),
		IntakeRateLimit:       v.GetInt("intake.rate_limit"),
		IntakeRateWindow:      durations["intake.rate_window"],
	}

	if cfg.EmbeddingDimensions <= 0 {
		return Config{}, fmt.Errorf("embedding dimensions must be positive")
	}
	if cfg.PipelineMaxAttempts <= 0 {
		cfg.PipelineMaxAttempts = 3
	}
	if cfg.PipelineSimilarK <= 0 {
		cfg.PipelineSimilarK = 5
	}
	if cfg.ContextFetchAttempts <= 0 {
		cfg.ContextFetchAttempts = 3
	}
	if cfg.NATSMaxDeliver == 0 {
		cfg.NATSMaxDeliver = 5
	}

	return cfg, nil
}
