package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/lumenchat/gateway/internal/domain"
)

func TestNew_CaseInsensitiveAndTrimmed(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"OpenAI", "OPENAI", " openai "} {
		adapter, err := New(ctx, name, domain.ProviderConfig{APIKey: "k"})
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if adapter.ID() != "openai" {
			t.Errorf("New(%q).ID() = %q, want openai", name, adapter.ID())
		}
	}
}

func TestNew_OpenAICompatibleAliases(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"groq", "mistral", "openrouter", "lmstudio"} {
		adapter, err := New(ctx, name, domain.ProviderConfig{APIKey: "k"})
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if adapter.ID() != name {
			t.Errorf("New(%q).ID() = %q, alias should keep its own id", name, adapter.ID())
		}
	}
}

func TestNew_Anthropic(t *testing.T) {
	adapter, err := New(context.Background(), "anthropic", domain.ProviderConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("New(anthropic) error = %v", err)
	}
	if adapter.ID() != "anthropic" {
		t.Errorf("ID() = %q", adapter.ID())
	}
}

func TestNew_Ollama(t *testing.T) {
	adapter, err := New(context.Background(), "ollama", domain.ProviderConfig{})
	if err != nil {
		t.Fatalf("New(ollama) error = %v", err)
	}
	if adapter.ID() != "ollama" {
		t.Errorf("ID() = %q", adapter.ID())
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New(context.Background(), "replicate", domain.ProviderConfig{})
	if !errors.Is(err, domain.ErrUnsupportedProvider) {
		t.Fatalf("error = %v, want ErrUnsupportedProvider", err)
	}
}

func TestBaseURLOr(t *testing.T) {
	if got := baseURLOr(domain.ProviderConfig{}, "https://api.openai.com/v1"); got != "https://api.openai.com/v1" {
		t.Errorf("fallback = %q", got)
	}
	if got := baseURLOr(domain.ProviderConfig{BaseURL: "http://proxy:9999/v1/"}, "x"); got != "http://proxy:9999/v1" {
		t.Errorf("override = %q, want trailing slash trimmed", got)
	}
}
