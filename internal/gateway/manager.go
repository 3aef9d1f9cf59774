// Package gateway composes providers, rate limiting, usage accounting,
// conversation memory, vector memory and tools into the two public chat
// operations plus the rate/budget preflight.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumenchat/gateway/internal/cache"
	"github.com/lumenchat/gateway/internal/crypto"
	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/memory"
	"github.com/lumenchat/gateway/internal/metrics"
	"github.com/lumenchat/gateway/internal/provider"
	"github.com/lumenchat/gateway/internal/ratelimit"
	"github.com/lumenchat/gateway/internal/repository"
	"github.com/lumenchat/gateway/internal/secrets"
	"github.com/lumenchat/gateway/internal/telemetry"
	"github.com/lumenchat/gateway/internal/tools"
	"github.com/lumenchat/gateway/internal/usage"
	"github.com/lumenchat/gateway/internal/vector"
)

const (
	defaultSystemPrompt = "You are a helpful assistant."
	modelListTTL        = 5 * time.Minute
	memoryEntryType     = "conversation"
)

// AdapterFactory resolves a provider name and credentials to an adapter.
// Swappable so tests can substitute canned adapters.
type AdapterFactory func(ctx context.Context, name string, cfg domain.ProviderConfig) (provider.Adapter, error)

// ManagerConfig wires the manager's collaborators. Zero-value fields get
// in-memory defaults, so NewManager(ManagerConfig{}) yields a working
// single-instance gateway.
type ManagerConfig struct {
	Tracker       *usage.Tracker
	Memory        *memory.Store
	Tools         *tools.Registry
	ModelCache    cache.ModelListCache
	Secrets       secrets.SecretStore
	Encryptor     *crypto.Encryptor
	Factory       AdapterFactory
	RecorderQueue int
}

// Manager owns every piece of long-lived gateway state: rate counters,
// caches, background queue. Two managers in one process share nothing.
type Manager struct {
	limiter    *ratelimit.Limiter
	tracker    *usage.Tracker
	memory     *memory.Store
	tools      *tools.Registry
	modelCache cache.ModelListCache
	ownedCache *cache.InMemoryCache
	vectors    *vector.ClientCache
	secrets    secrets.SecretStore
	encryptor  *crypto.Encryptor
	factory    AdapterFactory
	recorder   *recorder
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		limiter:   ratelimit.New(),
		tracker:   cfg.Tracker,
		memory:    cfg.Memory,
		tools:     cfg.Tools,
		vectors:   vector.NewClientCache(),
		secrets:   cfg.Secrets,
		encryptor: cfg.Encryptor,
		factory:   cfg.Factory,
		recorder:  newRecorder(cfg.RecorderQueue),
	}

	if m.tracker == nil {
		m.tracker = usage.NewTracker(repository.NewInMemoryUsageStore(), usage.NewCalculator())
	}
	if m.memory == nil {
		m.memory = memory.NewStore()
	}
	if m.tools == nil {
		m.tools = tools.NewRegistry()
	}
	if cfg.ModelCache != nil {
		m.modelCache = cfg.ModelCache
	} else {
		m.ownedCache = cache.NewInMemoryCache()
		m.modelCache = m.ownedCache
	}
	if m.factory == nil {
		m.factory = provider.New
	}

	return m
}

// Close drains the background queue and stops owned goroutines. Call it
// on shutdown; tests use it to observe fire-and-forget effects.
func (m *Manager) Close() {
	m.recorder.close()
	m.limiter.Stop()
	if m.ownedCache != nil {
		m.ownedCache.Stop()
	}
}

// ChatParams identifies one chat call. Provider and Model override the
// tenant defaults when set.
type ChatParams struct {
	Tenant    *domain.TenantConfig
	ChannelID string
	UserID    string
	Message   string
	Provider  string
	Model     string
	Variables Variables
}

// CheckAndRecordUsage is the preflight: cooldown, per-user rate,
// per-channel rate, then budget, in that order. The first failing check's
// reason is returned and the rest are not evaluated, so each refusal names
// exactly one ceiling. On pass, rate usage is recorded and "" returned.
func (m *Manager) CheckAndRecordUsage(ctx context.Context, tenant *domain.TenantConfig, userID, channelID string) string {
	rl := tenant.RateLimit

	if reason := m.limiter.CheckCooldown(tenant.ID, userID, rl.CooldownSec); reason != "" {
		metrics.RecordPreflightRejection(tenant.ID, "cooldown")
		return reason
	}
	if reason := m.limiter.CheckUserRate(tenant.ID, userID, rl.UserPerMinute); reason != "" {
		metrics.RecordPreflightRejection(tenant.ID, "user_rate")
		return reason
	}
	if reason := m.limiter.CheckChannelRate(tenant.ID, channelID, rl.ChannelPerMinute); reason != "" {
		metrics.RecordPreflightRejection(tenant.ID, "channel_rate")
		return reason
	}
	if reason := m.tracker.CheckBudget(ctx, tenant, userID); reason != "" {
		metrics.RecordPreflightRejection(tenant.ID, "budget")
		return reason
	}

	m.limiter.RecordUsage(tenant.ID, userID, channelID)
	return ""
}

// resolved is the outcome of provider/model/credential resolution for one
// call.
type resolved struct {
	providerName string
	model        string
	adapter      provider.Adapter
}

func (m *Manager) resolve(ctx context.Context, params ChatParams) (*resolved, error) {
	tenant := params.Tenant

	providerName := params.Provider
	if providerName == "" {
		providerName = tenant.DefaultProvider
	}
	model := params.Model
	if model == "" {
		model = tenant.DefaultModel
	}

	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("%w: no provider selected", domain.ErrProviderNotConfigured)
	}

	cfg, ok := tenant.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, providerName)
	}

	apiKey, err := m.resolveCredential(ctx, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", providerName, err)
	}
	cfg.APIKey = apiKey

	adapter, err := m.factory(ctx, providerName, cfg)
	if err != nil {
		return nil, err
	}

	return &resolved{
		providerName: providerName,
		model:        model,
		adapter:      adapter,
	}, nil
}

// resolveCredential unwraps "enc:" ciphertexts and "aws-sm://" references
// into a usable key. Plain values pass through.
func (m *Manager) resolveCredential(ctx context.Context, value string) (string, error) {
	value, err := m.encryptor.MaybeDecrypt(value)
	if err != nil {
		return "", err
	}
	return secrets.Resolve(ctx, m.secrets, value)
}

// checkModelPolicy applies tenant governance: deny wins outright, a
// non-empty allow list is exclusive, absence of allow entries permits
// anything not denied.
func checkModelPolicy(tenant *domain.TenantConfig, providerName, model string) error {
	for _, denied := range tenant.Models.Deny[providerName] {
		if denied == model {
			return fmt.Errorf("%w: %s/%s", domain.ErrModelDenied, providerName, model)
		}
	}

	allowed := tenant.Models.Allow[providerName]
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == model {
				return nil
			}
		}
		return fmt.Errorf("%w: %s/%s", domain.ErrModelNotAllowed, providerName, model)
	}

	return nil
}

// buildMessages assembles system prompt + vector context + bounded history
// + the new user turn.
func (m *Manager) buildMessages(ctx context.Context, params ChatParams, r *resolved, text string) []domain.Message {
	tenant := params.Tenant

	systemPrompt := tenant.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	systemPrompt = ResolveVariables(systemPrompt, params.Variables)

	if recalled := m.vectorContext(ctx, params, r, text); recalled != "" {
		systemPrompt += "\n\nRelevant context from long-term memory:\n" + recalled
	}

	history := m.memory.History(tenant.ID, params.ChannelID, params.UserID, tenant.Memory)

	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: text})

	return messages
}

// vectorContext searches long-term memory for material related to the new
// message. Failures are logged and ignored; vector memory never degrades
// the chat call.
func (m *Manager) vectorContext(ctx context.Context, params ChatParams, r *resolved, text string) string {
	tenant := params.Tenant
	vc := tenant.Vector
	if !vc.Enabled || vc.URL == "" {
		return ""
	}

	embedding, err := m.embed(ctx, tenant, r.adapter, text)
	if err != nil {
		slog.Warn("vector context skipped, embedding failed",
			"tenant_id", tenant.ID, "trace_id", telemetry.GetTraceID(ctx), "error", err)
		metrics.RecordVectorOperation("embed", "error")
		return ""
	}
	if embedding == nil {
		return ""
	}

	limit := vc.SearchLimit
	if limit <= 0 {
		limit = 5
	}

	client := m.vectors.Get(tenant.ID, vc.URL, vc.APIKey)
	results, err := client.Search(ctx, collectionName(tenant.ID), embedding, vector.Filter{
		ChannelID: params.ChannelID,
		Type:      memoryEntryType,
	}, limit, vc.ScoreThreshold)
	if err != nil {
		slog.Warn("vector search failed",
			"tenant_id", tenant.ID, "trace_id", telemetry.GetTraceID(ctx), "error", err)
		metrics.RecordVectorOperation("search", "error")
		return ""
	}
	metrics.RecordVectorOperation("search", "ok")

	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, res := range results {
		sb.WriteString("- ")
		sb.WriteString(res.Content)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// embed produces an embedding using the tenant's designated embedding
// provider, falling back to the active adapter when it is embedding
// capable. A nil return with nil error means "no embedder available":
// vector features silently no-op.
func (m *Manager) embed(ctx context.Context, tenant *domain.TenantConfig, active provider.Adapter, text string) ([]float32, error) {
	vc := tenant.Vector

	var embedder provider.Embedder
	if vc.EmbeddingProvider != "" {
		cfg, ok := tenant.Providers[vc.EmbeddingProvider]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, vc.EmbeddingProvider)
		}
		apiKey, err := m.resolveCredential(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		cfg.APIKey = apiKey

		adapter, err := m.factory(ctx, vc.EmbeddingProvider, cfg)
		if err != nil {
			return nil, err
		}
		e, ok := adapter.(provider.Embedder)
		if !ok {
			return nil, nil
		}
		embedder = e
	} else if e, ok := active.(provider.Embedder); ok {
		embedder = e
	} else {
		return nil, nil
	}

	return embedder.Embed(ctx, text, vc.EmbeddingModel)
}

func collectionName(tenantID string) string {
	return "memories_" + tenantID
}

// Chat executes one non-streaming call. Upstream errors propagate
// unmodified; usage, memory and vector recording run after the response is
// in hand and never fail the call.
func (m *Manager) Chat(ctx context.Context, params ChatParams) (*domain.ChatResponse, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "gateway.chat")
	defer span.End()

	r, err := m.resolve(ctx, params)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	telemetry.AddChatAttributes(span, params.Tenant.ID, r.providerName, r.model)

	if err := checkModelPolicy(params.Tenant, r.providerName, r.model); err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	params.Variables.Provider = r.providerName
	params.Variables.Model = r.model
	text := ResolveVariables(params.Message, params.Variables)

	messages := m.buildMessages(ctx, params, r, text)

	resp, err := r.adapter.Chat(ctx, domain.ChatRequest{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		metrics.RecordRequest(params.Tenant.ID, r.providerName, r.model, "error", time.Since(start).Seconds())
		metrics.RecordProviderError(r.providerName, errorType(err))
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	metrics.RecordRequest(params.Tenant.ID, r.providerName, r.model, "success", time.Since(start).Seconds())

	u := domain.Usage{}
	if resp.Usage != nil {
		u = *resp.Usage
	} else if last := r.adapter.LastUsage(); last != nil {
		u = *last
	}
	telemetry.AddTokenAttributes(span, u.PromptTokens, u.CompletionTokens)

	m.afterExchange(params, r, text, resp.Content, u)

	return resp, nil
}

// afterExchange performs post-call recording: memory synchronously (cheap,
// in-process), usage and vector store on the background queue.
func (m *Manager) afterExchange(params ChatParams, r *resolved, userText, assistantText string, u domain.Usage) {
	tenant := params.Tenant

	m.memory.Remember(tenant.ID, params.ChannelID, params.UserID, userText, assistantText, tenant.Memory)

	m.recorder.enqueue("usage_record", func(ctx context.Context) error {
		m.tracker.Record(ctx, tenant, params.UserID, params.ChannelID, r.providerName, r.model, u)
		return nil
	})

	if tenant.Vector.Enabled && tenant.Vector.URL != "" {
		channelID := params.ChannelID
		userID := params.UserID
		m.recorder.enqueue("vector_store", func(ctx context.Context) error {
			return m.storeExchange(ctx, tenant, r, channelID, userID, userText, assistantText)
		})
	}
}

func (m *Manager) storeExchange(ctx context.Context, tenant *domain.TenantConfig, r *resolved, channelID, userID, userText, assistantText string) error {
	exchange := "User: " + userText + "\nAssistant: " + assistantText

	embedding, err := m.embed(ctx, tenant, r.adapter, exchange)
	if err != nil {
		metrics.RecordVectorOperation("store", "error")
		return err
	}
	if embedding == nil {
		return nil
	}

	vc := tenant.Vector
	client := m.vectors.Get(tenant.ID, vc.URL, vc.APIKey)

	dims := vc.Dimensions
	if dims <= 0 {
		dims = len(embedding)
	}
	if err := client.EnsureCollection(ctx, collectionName(tenant.ID), dims); err != nil {
		metrics.RecordVectorOperation("store", "error")
		return err
	}

	_, err = client.Store(ctx, collectionName(tenant.ID), embedding, vector.Payload{
		ChannelID: channelID,
		UserID:    userID,
		Content:   exchange,
		Type:      memoryEntryType,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		metrics.RecordVectorOperation("store", "error")
		return err
	}

	metrics.RecordVectorOperation("store", "ok")
	return nil
}

func errorType(err error) string {
	if ue, ok := domain.AsUpstreamError(err); ok {
		return fmt.Sprintf("upstream_%d", ue.Status)
	}
	return "transport"
}

// GetAvailableModels lists the provider's models, cached five minutes per
// provider and credential hash.
func (m *Manager) GetAvailableModels(ctx context.Context, tenant *domain.TenantConfig, providerName string) ([]string, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))

	cfg, ok := tenant.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, providerName)
	}

	key := cache.GenerateKey(providerName, cfg)
	if models, ok := m.modelCache.Get(ctx, key); ok {
		metrics.ModelListCache.WithLabelValues("hit").Inc()
		return models, nil
	}
	metrics.ModelListCache.WithLabelValues("miss").Inc()

	apiKey, err := m.resolveCredential(ctx, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	resolvedCfg := cfg
	resolvedCfg.APIKey = apiKey

	adapter, err := m.factory(ctx, providerName, resolvedCfg)
	if err != nil {
		return nil, err
	}

	models, err := adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.modelCache.Set(ctx, key, models, modelListTTL); err != nil {
		slog.Warn("failed to cache model list", "provider", providerName, "error", err)
	}

	return models, nil
}

// ClearMemory wipes one user's short-term history, or the whole channel
// when userID is empty.
func (m *Manager) ClearMemory(tenantID, channelID, userID string) {
	m.memory.Clear(tenantID, channelID, userID)
}

// UsageStats returns aggregate usage with top-N user/channel leaderboards.
func (m *Manager) UsageStats(ctx context.Context, tenantID string, topN int) (*usage.Stats, error) {
	return m.tracker.Stats(ctx, tenantID, topN)
}

// ExecuteTool dispatches a governed tool call for a tenant.
func (m *Manager) ExecuteTool(ctx context.Context, tenant *domain.TenantConfig, name string, toolParams map[string]any) (string, error) {
	return m.tools.Execute(ctx, tenant, name, toolParams)
}

// TestVectorConnection verifies the tenant's vector index is reachable.
func (m *Manager) TestVectorConnection(ctx context.Context, tenant *domain.TenantConfig) error {
	vc := tenant.Vector
	if vc.URL == "" {
		return fmt.Errorf("no vector index URL configured")
	}

	client := m.vectors.Get(tenant.ID, vc.URL, vc.APIKey)
	if _, err := client.ListCollections(ctx); err != nil {
		return fmt.Errorf("vector index unreachable: %w", err)
	}

	return nil
}

// ClearVectorMemory deletes matching long-term memories. With no channel
// and no user the entire tenant collection would be wiped, so that path
// demands the explicit wipeAll confirmation.
func (m *Manager) ClearVectorMemory(ctx context.Context, tenant *domain.TenantConfig, channelID, userID string, wipeAll bool) error {
	vc := tenant.Vector
	if vc.URL == "" {
		return fmt.Errorf("no vector index URL configured")
	}

	filter := vector.Filter{ChannelID: channelID, UserID: userID}
	if channelID == "" && userID == "" && !wipeAll {
		return fmt.Errorf("refusing to wipe all vector memories without confirmation")
	}

	client := m.vectors.Get(tenant.ID, vc.URL, vc.APIKey)
	return client.Delete(ctx, collectionName(tenant.ID), filter)
}

// VectorStats reports point count and dimensionality for the tenant
// collection, or nil when the collection does not exist yet.
func (m *Manager) VectorStats(ctx context.Context, tenant *domain.TenantConfig) (*vector.CollectionInfo, error) {
	vc := tenant.Vector
	if vc.URL == "" {
		return nil, fmt.Errorf("no vector index URL configured")
	}

	client := m.vectors.Get(tenant.ID, vc.URL, vc.APIKey)
	return client.Info(ctx, collectionName(tenant.ID))
}

// PurgeVectorClients drops cached vector clients for a tenant. Call when
// the tenant's index URL or key changes.
func (m *Manager) PurgeVectorClients(tenantID string) {
	m.vectors.Purge(tenantID)
}
