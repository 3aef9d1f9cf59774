package domain

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Immutable once built; identity is
// positional within the request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage reports token consumption for exactly one completed or streamed call.
// PromptTokens == 0 means "unknown", not "free": streaming adapters that
// cannot observe prompt usage report zero and estimate completion tokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// ChatChunk is an incremental unit of assistant output. Chunks are
// append-only and ordered for a single in-flight call.
type ChatChunk struct {
	Content string `json:"content"`
}

// ProviderConfig carries per-tenant credentials for one upstream vendor.
// APIKey may be a plain key, an "enc:" ciphertext, or an "aws-sm://name"
// secret reference resolved at dispatch time. Models overrides the model
// catalog for vendors without a listing endpoint.
type ProviderConfig struct {
	APIKey  string   `json:"api_key,omitempty"`
	BaseURL string   `json:"base_url,omitempty"`
	Region  string   `json:"region,omitempty"`
	Models  []string `json:"models,omitempty"`
}

type RateLimitConfig struct {
	CooldownSec      int `json:"cooldown_sec"`
	UserPerMinute    int `json:"user_per_minute"`
	ChannelPerMinute int `json:"channel_per_minute"`
}

// BudgetConfig holds daily ceilings. Zero means unlimited.
type BudgetConfig struct {
	UserDailyTokens   int64   `json:"user_daily_tokens"`
	TenantDailyTokens int64   `json:"tenant_daily_tokens"`
	DailyCostUSD      float64 `json:"daily_cost_usd"`
}

type MemoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Limit         int    `json:"limit"`
	PerUser       bool   `json:"per_user"`
	PerUserLimit  int    `json:"per_user_limit"`
	MergeStrategy string `json:"merge_strategy"`
}

const (
	MergeAppend     = "append"
	MergeUserFirst  = "user_first"
	MergeInterleave = "interleave"
)

type VectorConfig struct {
	Enabled           bool    `json:"enabled"`
	URL               string  `json:"url,omitempty"`
	APIKey            string  `json:"api_key,omitempty"`
	Dimensions        int     `json:"dimensions"`
	EmbeddingProvider string  `json:"embedding_provider,omitempty"`
	EmbeddingModel    string  `json:"embedding_model,omitempty"`
	SearchLimit       int     `json:"search_limit"`
	ScoreThreshold    float64 `json:"score_threshold"`
}

// ModelPolicy controls which models a tenant may use per provider.
// Deny takes precedence; a non-empty allow list is exclusive.
type ModelPolicy struct {
	Allow map[string][]string `json:"allow,omitempty"`
	Deny  map[string][]string `json:"deny,omitempty"`
}

type ToolPolicy struct {
	Allow  []string                  `json:"allow,omitempty"`
	Deny   []string                  `json:"deny,omitempty"`
	Config map[string]map[string]any `json:"config,omitempty"`
}

// TenantConfig is the per-tenant settings blob owned by the host
// application. The gateway reads everything here and writes back only
// usage counters (kept in a separate usage document).
type TenantConfig struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name,omitempty"`
	DefaultProvider string                    `json:"default_provider,omitempty"`
	DefaultModel    string                    `json:"default_model,omitempty"`
	SystemPrompt    string                    `json:"system_prompt,omitempty"`
	Providers       map[string]ProviderConfig `json:"providers,omitempty"`
	RateLimit       RateLimitConfig           `json:"rate_limit"`
	Budget          BudgetConfig              `json:"budget"`
	Memory          MemoryConfig              `json:"memory"`
	Vector          VectorConfig              `json:"vector"`
	Models          ModelPolicy               `json:"models"`
	Tools           ToolPolicy                `json:"tools"`
	CreatedAt       time.Time                 `json:"created_at,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at,omitempty"`
}

// DayMillis is the rolling budget window: 24h in milliseconds, anchored to
// first use in the bucket rather than midnight.
const DayMillis = 86_400_000

// ScopedUsage is the day-bucketed counter shape shared by per-user and
// per-channel accounting.
type ScopedUsage struct {
	TotalTokens    int64   `json:"total_tokens"`
	TokensDayStart int64   `json:"tokens_day_start"`
	TokensDayTotal int64   `json:"tokens_day_total"`
	CostUSD        float64 `json:"cost_usd"`
}

// TenantUsage is the persisted usage document for one tenant. Cumulative
// token counters are incremented atomically by the store; day buckets reset
// lazily on the first write after expiry, never by a background sweep. The
// token-day and cost-day buckets reset independently and may diverge.
type TenantUsage struct {
	PromptTokens     int64                   `json:"prompt_tokens"`
	CompletionTokens int64                   `json:"completion_tokens"`
	TotalTokens      int64                   `json:"total_tokens"`
	TokensDayStart   int64                   `json:"tokens_day_start"`
	TokensDayTotal   int64                   `json:"tokens_day_total"`
	CostDayStart     int64                   `json:"cost_day_start"`
	CostDayUSD       float64                 `json:"cost_day_usd"`
	TotalCostUSD     float64                 `json:"total_cost_usd"`
	Users            map[string]*ScopedUsage `json:"users,omitempty"`
	Channels         map[string]*ScopedUsage `json:"channels,omitempty"`
}
