// Package openai implements the adapter for the OpenAI-compatible protocol
// family. Several vendors (OpenAI, Groq, Mistral, OpenRouter, LM Studio)
// share this wire format and differ only in base URL and credentials, so the
// factory aliases them all onto this adapter.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/httputil"
)

type Provider struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	lastUsage *domain.Usage
}

func New(id, apiKey, baseURL string) *Provider {
	return &Provider{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (p *Provider) ID() string {
	return p.id
}

// LastUsage returns the usage reported (or estimated) by the most recent
// call, or nil before any call completes.
func (p *Provider) LastUsage() *domain.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsage
}

func (p *Provider) setUsage(u *domain.Usage) {
	p.mu.Lock()
	p.lastUsage = u
	p.mu.Unlock()
}

type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type choice struct {
	Index        int             `json:"index"`
	Message      *domain.Message `json:"message,omitempty"`
	Delta        *delta          `json:"delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatResponse struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type streamChunk struct {
	Choices []choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &domain.UpstreamError{Provider: p.id, Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content, finishReason string
	if len(chatResp.Choices) > 0 {
		if chatResp.Choices[0].Message != nil {
			content = chatResp.Choices[0].Message.Content
		}
		finishReason = chatResp.Choices[0].FinishReason
	}

	p.setUsage(chatResp.Usage)

	return &domain.ChatResponse{
		Content:      content,
		Model:        chatResp.Model,
		FinishReason: finishReason,
		Usage:        chatResp.Usage,
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, <-chan error) {
	chunks := make(chan domain.ChatChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(chatRequest{
			Model:         req.Model,
			Messages:      req.Messages,
			Temperature:   req.Temperature,
			MaxTokens:     req.MaxTokens,
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
		})
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- &domain.UpstreamError{Provider: p.id, Status: resp.StatusCode, Body: string(bodyBytes)}
			return
		}

		var emitted int
		var reported *domain.Usage
		defer func() {
			p.setUsage(finalUsage(reported, emitted))
		}()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
				reported = chunk.Usage
			}

			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			emitted += len(text)

			select {
			case chunks <- domain.ChatChunk{Content: text}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan error: %w", err)
		}
	}()

	return chunks, errs
}

// finalUsage prefers vendor-reported stream usage and otherwise estimates
// completion tokens from the character count, with prompt tokens left at
// zero (unknown).
func finalUsage(reported *domain.Usage, emittedChars int) *domain.Usage {
	if reported != nil {
		return reported
	}
	completion := (emittedChars + 3) / 4
	return &domain.Usage{CompletionTokens: completion, TotalTokens: completion}
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &domain.UpstreamError{Provider: p.id, Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var modelsResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]string, len(modelsResp.Data))
	for i, m := range modelsResp.Data {
		models[i] = m.ID
	}

	return models, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding vector for text. Vector-memory features rely
// on this; providers lacking it simply never satisfy the Embedder interface.
func (p *Provider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &domain.UpstreamError{Provider: p.id, Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("%s returned no embedding", p.id)
	}

	return embResp.Data[0].Embedding, nil
}
