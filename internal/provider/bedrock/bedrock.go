// Package bedrock implements the adapter for AWS Bedrock (Anthropic-style
// invoke protocol). Credentials come from the ambient AWS config; the tenant
// supplies only the region.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/lumenchat/gateway/internal/domain"
)

type Provider struct {
	client *bedrockruntime.Client
	region string
	models []string

	mu        sync.Mutex
	lastUsage *domain.Usage
}

// New builds an adapter from the ambient AWS config. A non-empty models
// list replaces the built-in catalog returned by ListModels.
func New(ctx context.Context, region string, models []string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := NewWithConfig(cfg)
	p.models = models
	return p, nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

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

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := p.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := &domain.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	p.setUsage(usage)

	return &domain.ChatResponse{
		Content:      content,
		Model:        req.Model,
		FinishReason: mapStopReason(resp.StopReason),
		Usage:        usage,
	}, nil
}

type bedrockStreamEvent struct {
	Type    string       `json:"type"`
	Delta   *streamDelta `json:"delta,omitempty"`
	Message *struct {
		Usage bedrockUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *bedrockUsage `json:"usage,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, <-chan error) {
	chunks := make(chan domain.ChatChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(toBedrockRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			errs <- fmt.Errorf("invoke model stream: %w", err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var emitted, inputTokens, outputTokens int
		defer func() {
			if inputTokens > 0 || outputTokens > 0 {
				p.setUsage(&domain.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				})
				return
			}
			completion := (emitted + 3) / 4
			p.setUsage(&domain.Usage{CompletionTokens: completion, TotalTokens: completion})
		}()

		for event := range stream.Events() {
			chunkEvent, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var ev bedrockStreamEvent
			if err := json.Unmarshal(chunkEvent.Value.Bytes, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					inputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Text == "" {
					continue
				}
				emitted += len(ev.Delta.Text)
				select {
				case chunks <- domain.ChatChunk{Content: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if ev.Usage != nil {
					outputTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return chunks, errs
}

// ListModels returns the tenant-configured catalog when one is set.
// Bedrock's control-plane listing API lives in a different service client
// and needs broader IAM permissions, so the fallback is a static catalog.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	if len(p.models) > 0 {
		out := make([]string, len(p.models))
		copy(out, p.models)
		return out, nil
	}
	return []string{
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"anthropic.claude-3-opus-20240229-v1:0",
		"anthropic.claude-3-sonnet-20240229-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
	}, nil
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var system string
	var messages []bedrockMessage

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem && len(messages) == 0 {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, bedrockMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
