// Package provider defines the adapter contract every upstream vendor
// protocol family implements, and the factory that maps configured provider
// names onto adapters. Adding a vendor means adding a case to the factory
// switch; there is no runtime registry.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/provider/anthropic"
	"github.com/lumenchat/gateway/internal/provider/bedrock"
	"github.com/lumenchat/gateway/internal/provider/ollama"
	"github.com/lumenchat/gateway/internal/provider/openai"
)

// Adapter translates the internal chat contract to one vendor protocol.
// Adapters are stateless apart from the last-usage latch, never retry, and
// surface non-2xx vendor replies as *domain.UpstreamError.
type Adapter interface {
	ID() string
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, <-chan error)
	ListModels(ctx context.Context) ([]string, error)
	LastUsage() *domain.Usage
}

// Embedder is implemented by adapters whose vendor exposes an embedding
// endpoint. Vector-memory features silently no-op when the configured
// provider does not satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// New resolves a provider name and per-tenant credentials to an adapter.
// Name comparison is case-insensitive; OpenAI-compatible vendors alias onto
// the same adapter. Cheap enough to call once per request.
func New(ctx context.Context, name string, cfg domain.ProviderConfig) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return openai.New("openai", cfg.APIKey, baseURLOr(cfg, "https://api.openai.com/v1")), nil
	case "groq":
		return openai.New("groq", cfg.APIKey, baseURLOr(cfg, "https://api.groq.com/openai/v1")), nil
	case "mistral":
		return openai.New("mistral", cfg.APIKey, baseURLOr(cfg, "https://api.mistral.ai/v1")), nil
	case "openrouter":
		return openai.New("openrouter", cfg.APIKey, baseURLOr(cfg, "https://openrouter.ai/api/v1")), nil
	case "lmstudio":
		return openai.New("lmstudio", cfg.APIKey, baseURLOr(cfg, "http://localhost:1234/v1")), nil
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.BaseURL, cfg.Models), nil
	case "ollama":
		return ollama.New(baseURLOr(cfg, "http://localhost:11434")), nil
	case "bedrock":
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return bedrock.New(ctx, region, cfg.Models)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, name)
	}
}

func baseURLOr(cfg domain.ProviderConfig, fallback string) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/")
	}
	return fallback
}
