package usage

import "github.com/lumenchat/gateway/internal/domain"

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing is keyed "provider/model". Unknown pairs price at zero so
// an incomplete table never blocks usage; cost figures are therefore a
// floor, not a guarantee, for unlisted models.
var defaultPricing = map[string]ModelPricing{
	"openai/gpt-4":                         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"openai/gpt-4-turbo":                   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"openai/gpt-4o":                        {InputPer1K: 0.005, OutputPer1K: 0.015},
	"openai/gpt-4o-mini":                   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"openai/gpt-3.5-turbo":                 {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"openai/text-embedding-3-small":        {InputPer1K: 0.00002},
	"openai/text-embedding-3-large":        {InputPer1K: 0.00013},
	"anthropic/claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic/claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"anthropic/claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"anthropic/claude-3-sonnet-20240229":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic/claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"groq/llama-3.3-70b-versatile":         {InputPer1K: 0.00059, OutputPer1K: 0.00079},
	"groq/llama-3.1-8b-instant":            {InputPer1K: 0.00005, OutputPer1K: 0.00008},
	"groq/mixtral-8x7b-32768":              {InputPer1K: 0.00024, OutputPer1K: 0.00024},
	"mistral/mistral-large-latest":         {InputPer1K: 0.002, OutputPer1K: 0.006},
	"mistral/mistral-small-latest":         {InputPer1K: 0.0002, OutputPer1K: 0.0006},
	"bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"bedrock/anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"bedrock/anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

type Calculator struct {
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{
		pricing: defaultPricing,
	}
}

// Cost estimates the USD cost of one call from its token usage.
func (c *Calculator) Cost(provider, model string, u domain.Usage) float64 {
	pricing, ok := c.pricing[provider+"/"+model]
	if !ok {
		return 0
	}

	inputCost := float64(u.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(u.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(provider, model string, pricing ModelPricing) {
	c.pricing[provider+"/"+model] = pricing
}
