package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lumenchat/gateway/internal/budget"
	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/metrics"
	"github.com/lumenchat/gateway/internal/queue"
)

// Store persists per-tenant usage documents. Cumulative counters go through
// AddTokens so concurrent writers increment instead of clobbering each
// other; Save writes only the day buckets and per-scope maps.
type Store interface {
	Get(ctx context.Context, tenantID string) (*domain.TenantUsage, error)
	Save(ctx context.Context, tenantID string, u *domain.TenantUsage) error
	AddTokens(ctx context.Context, tenantID string, promptTokens, completionTokens, totalTokens int64, costUSD float64) error
}

// Tracker records token usage and spend per tenant, user and channel, and
// answers budget preflight checks. Recording is best effort: a store outage
// is logged and swallowed so accounting never fails a served response.
type Tracker struct {
	store      Store
	calculator *Calculator
	publisher  queue.Publisher
	monitor    *budget.Monitor
}

func NewTracker(store Store, calculator *Calculator) *Tracker {
	return &Tracker{
		store:      store,
		calculator: calculator,
	}
}

// WithPublisher exports every recorded usage event to a downstream queue.
func (t *Tracker) WithPublisher(p queue.Publisher) *Tracker {
	t.publisher = p
	return t
}

// WithMonitor checks the tenant cost ceiling after each recorded event.
func (t *Tracker) WithMonitor(m *budget.Monitor) *Tracker {
	t.monitor = m
	return t
}

// Record adds one call's usage to the tenant document. Zero usage is a
// no-op. Each day bucket rolls independently: the first write more than
// DayMillis after a bucket's start resets that bucket before adding.
func (t *Tracker) Record(ctx context.Context, tenant *domain.TenantConfig, userID, channelID, provider, model string, u domain.Usage) {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return
	}

	total := int64(u.TotalTokens)
	if total == 0 {
		total = int64(u.PromptTokens + u.CompletionTokens)
	}

	cost := t.calculator.Cost(provider, model, u)
	nowMs := time.Now().UnixMilli()

	if err := t.store.AddTokens(ctx, tenant.ID, int64(u.PromptTokens), int64(u.CompletionTokens), total, cost); err != nil {
		slog.Error("failed to increment usage counters", "tenant_id", tenant.ID, "error", err)
		return
	}

	doc, err := t.store.Get(ctx, tenant.ID)
	if err != nil {
		slog.Error("failed to load usage document", "tenant_id", tenant.ID, "error", err)
		return
	}
	if doc == nil {
		doc = &domain.TenantUsage{}
	}

	if nowMs-doc.TokensDayStart >= domain.DayMillis {
		doc.TokensDayStart = nowMs
		doc.TokensDayTotal = 0
	}
	doc.TokensDayTotal += total

	if nowMs-doc.CostDayStart >= domain.DayMillis {
		doc.CostDayStart = nowMs
		doc.CostDayUSD = 0
	}
	doc.CostDayUSD += cost

	if userID != "" {
		if doc.Users == nil {
			doc.Users = make(map[string]*domain.ScopedUsage)
		}
		bumpScoped(doc.Users, userID, total, cost, nowMs)
	}

	if channelID != "" {
		if doc.Channels == nil {
			doc.Channels = make(map[string]*domain.ScopedUsage)
		}
		bumpScoped(doc.Channels, channelID, total, cost, nowMs)
	}

	if err := t.store.Save(ctx, tenant.ID, doc); err != nil {
		slog.Error("failed to save usage document", "tenant_id", tenant.ID, "error", err)
		return
	}

	metrics.RecordTokens(tenant.ID, provider, model, u.PromptTokens, u.CompletionTokens)
	metrics.RecordCost(tenant.ID, provider, model, cost)

	if t.publisher != nil {
		event := queue.UsageEvent{
			TenantID:         tenant.ID,
			UserID:           userID,
			ChannelID:        channelID,
			Provider:         provider,
			Model:            model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      int(total),
			CostUSD:          cost,
			Timestamp:        time.Now(),
		}
		if err := t.publisher.Publish(ctx, event); err != nil {
			slog.Warn("failed to publish usage event", "tenant_id", tenant.ID, "error", err)
		}
	}

	if t.monitor != nil && tenant.Budget.DailyCostUSD > 0 {
		t.monitor.Check(ctx, tenant.ID, tenant.Budget.DailyCostUSD, doc.CostDayUSD)
	}
}

func bumpScoped(m map[string]*domain.ScopedUsage, key string, total int64, cost float64, nowMs int64) {
	su, ok := m[key]
	if !ok {
		su = &domain.ScopedUsage{}
		m[key] = su
	}

	if nowMs-su.TokensDayStart >= domain.DayMillis {
		su.TokensDayStart = nowMs
		su.TokensDayTotal = 0
	}
	su.TokensDayTotal += total
	su.TotalTokens += total
	su.CostUSD += cost
}

// CheckBudget reports why a request should be refused on budget grounds, or
// "" to proceed. Expired day buckets count as empty without being written
// back; the next Record resets them. Fails open on store errors.
func (t *Tracker) CheckBudget(ctx context.Context, tenant *domain.TenantConfig, userID string) string {
	b := tenant.Budget
	if b.UserDailyTokens <= 0 && b.TenantDailyTokens <= 0 && b.DailyCostUSD <= 0 {
		return ""
	}

	doc, err := t.store.Get(ctx, tenant.ID)
	if err != nil {
		slog.Warn("budget check skipped, usage store unavailable", "tenant_id", tenant.ID, "error", err)
		return ""
	}
	if doc == nil {
		return ""
	}

	nowMs := time.Now().UnixMilli()

	if b.UserDailyTokens > 0 && userID != "" && doc.Users != nil {
		if su, ok := doc.Users[userID]; ok {
			if used := dayTotal(su.TokensDayStart, su.TokensDayTotal, nowMs); used >= b.UserDailyTokens {
				return fmt.Sprintf("daily token budget reached for this user (%d of %d tokens)", used, b.UserDailyTokens)
			}
		}
	}

	if b.TenantDailyTokens > 0 {
		if used := dayTotal(doc.TokensDayStart, doc.TokensDayTotal, nowMs); used >= b.TenantDailyTokens {
			return fmt.Sprintf("daily token budget reached for this server (%d of %d tokens)", used, b.TenantDailyTokens)
		}
	}

	if b.DailyCostUSD > 0 {
		spent := doc.CostDayUSD
		if nowMs-doc.CostDayStart >= domain.DayMillis {
			spent = 0
		}
		if spent >= b.DailyCostUSD {
			return fmt.Sprintf("daily cost budget reached ($%.4f of $%.2f)", spent, b.DailyCostUSD)
		}
	}

	return ""
}

func dayTotal(dayStart, total, nowMs int64) int64 {
	if nowMs-dayStart >= domain.DayMillis {
		return 0
	}
	return total
}

// ScopedEntry is one row of a usage leaderboard.
type ScopedEntry struct {
	ID             string  `json:"id"`
	TotalTokens    int64   `json:"total_tokens"`
	TokensDayTotal int64   `json:"tokens_day_total"`
	CostUSD        float64 `json:"cost_usd"`
}

type Stats struct {
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	TokensDayTotal   int64         `json:"tokens_day_total"`
	CostDayUSD       float64       `json:"cost_day_usd"`
	TotalCostUSD     float64       `json:"total_cost_usd"`
	TopUsers         []ScopedEntry `json:"top_users"`
	TopChannels      []ScopedEntry `json:"top_channels"`
}

// Stats summarizes a tenant's usage document with leaderboards limited to
// topN entries, ordered by cumulative tokens descending.
func (t *Tracker) Stats(ctx context.Context, tenantID string, topN int) (*Stats, error) {
	doc, err := t.store.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load usage document: %w", err)
	}
	if doc == nil {
		return &Stats{}, nil
	}

	nowMs := time.Now().UnixMilli()

	stats := &Stats{
		PromptTokens:     doc.PromptTokens,
		CompletionTokens: doc.CompletionTokens,
		TotalTokens:      doc.TotalTokens,
		TokensDayTotal:   dayTotal(doc.TokensDayStart, doc.TokensDayTotal, nowMs),
		TotalCostUSD:     doc.TotalCostUSD,
		TopUsers:         leaderboard(doc.Users, topN, nowMs),
		TopChannels:      leaderboard(doc.Channels, topN, nowMs),
	}
	if nowMs-doc.CostDayStart < domain.DayMillis {
		stats.CostDayUSD = doc.CostDayUSD
	}

	return stats, nil
}

func leaderboard(m map[string]*domain.ScopedUsage, topN int, nowMs int64) []ScopedEntry {
	entries := make([]ScopedEntry, 0, len(m))
	for id, su := range m {
		entries = append(entries, ScopedEntry{
			ID:             id,
			TotalTokens:    su.TotalTokens,
			TokensDayTotal: dayTotal(su.TokensDayStart, su.TokensDayTotal, nowMs),
			CostUSD:        su.CostUSD,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalTokens != entries[j].TotalTokens {
			return entries[i].TotalTokens > entries[j].TotalTokens
		}
		return entries[i].ID < entries[j].ID
	})

	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}

	return entries
}
