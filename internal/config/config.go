package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	DefaultProvider string
	DefaultModel    string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AnthropicModels []string
	OllamaBaseURL   string

	EncryptionKey string
	AWSRegion     string
	UseSecrets    bool
	SNSTopicArn   string
	SQSQueueURL   string

	VectorURL    string
	SearxngURL   string
	OTLPEndpoint string

	ModelCacheTTL   time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RedisURL:        getEnv("REDIS_URL", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "ollama"),
		DefaultModel:    getEnv("DEFAULT_MODEL", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModels: getListEnv("ANTHROPIC_MODELS"),
		OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		UseSecrets:      getEnv("USE_SECRETS_MANAGER", "false") == "true",
		SNSTopicArn:     getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:     getEnv("SQS_QUEUE_URL", ""),
		VectorURL:       getEnv("VECTOR_URL", ""),
		SearxngURL:      getEnv("SEARXNG_URL", ""),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		ModelCacheTTL:   getDurationEnv("MODEL_CACHE_TTL", 5*time.Minute),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv reads a comma-separated list; empty entries are dropped.
func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
