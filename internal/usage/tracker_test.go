package usage

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/queue"
	"github.com/lumenchat/gateway/internal/repository"
)

func testTenant(id string) *domain.TenantConfig {
	return &domain.TenantConfig{ID: id}
}

func TestRecord_ZeroUsageIsNoOp(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", domain.Usage{})

	doc, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc != nil {
		t.Error("zero usage should not create a usage document")
	}
}

func TestRecord_Accumulates(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	u := domain.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}
	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", u)
	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", u)

	doc, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc == nil {
		t.Fatal("expected usage document")
	}

	if doc.PromptTokens != 10 || doc.CompletionTokens != 6 || doc.TotalTokens != 16 {
		t.Errorf("cumulative counters = %d/%d/%d, want 10/6/16",
			doc.PromptTokens, doc.CompletionTokens, doc.TotalTokens)
	}
	if doc.TokensDayTotal != 16 {
		t.Errorf("TokensDayTotal = %d, want 16", doc.TokensDayTotal)
	}

	user, ok := doc.Users["u1"]
	if !ok {
		t.Fatal("expected per-user record")
	}
	if user.TotalTokens != 16 || user.TokensDayTotal != 16 {
		t.Errorf("user counters = %d/%d, want 16/16", user.TotalTokens, user.TokensDayTotal)
	}

	channel, ok := doc.Channels["c1"]
	if !ok {
		t.Fatal("expected per-channel record")
	}
	if channel.TotalTokens != 16 {
		t.Errorf("channel TotalTokens = %d, want 16", channel.TotalTokens)
	}
}

func TestRecord_DayRollover(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	expired := time.Now().UnixMilli() - domain.DayMillis - 1
	seed := &domain.TenantUsage{
		TokensDayStart: expired,
		TokensDayTotal: 100_000,
		CostDayStart:   expired,
		CostDayUSD:     50,
		Users: map[string]*domain.ScopedUsage{
			"u1": {TotalTokens: 100_000, TokensDayStart: expired, TokensDayTotal: 100_000},
		},
	}
	if err := store.Save(ctx, "t1", seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	before := time.Now().UnixMilli()
	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8,
	})

	doc, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if doc.TokensDayTotal != 8 {
		t.Errorf("TokensDayTotal = %d, want 8 after rollover", doc.TokensDayTotal)
	}
	if doc.TokensDayStart < before {
		t.Errorf("TokensDayStart = %d should be reset to ~now", doc.TokensDayStart)
	}
	if doc.Users["u1"].TokensDayTotal != 8 {
		t.Errorf("user TokensDayTotal = %d, want 8 after rollover", doc.Users["u1"].TokensDayTotal)
	}
	// Cumulative counters survive the rollover.
	if doc.Users["u1"].TotalTokens != 100_008 {
		t.Errorf("user TotalTokens = %d, want 100008", doc.Users["u1"].TotalTokens)
	}
	if doc.CostDayUSD >= 50 {
		t.Errorf("CostDayUSD = %f, expected cost day bucket to reset", doc.CostDayUSD)
	}
}

func TestRecord_Cost(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000,
	})

	doc, _ := store.Get(ctx, "t1")
	want := 0.03 + 0.06
	if math.Abs(doc.CostDayUSD-want) > 1e-9 {
		t.Errorf("CostDayUSD = %f, want %f", doc.CostDayUSD, want)
	}
	if math.Abs(doc.TotalCostUSD-want) > 1e-9 {
		t.Errorf("TotalCostUSD = %f, want %f", doc.TotalCostUSD, want)
	}
}

func TestCalculator_UnknownModelPricesAtZero(t *testing.T) {
	calc := NewCalculator()

	cost := calc.Cost("openai", "some-future-model", domain.Usage{
		PromptTokens: 1_000_000, CompletionTokens: 1_000_000,
	})
	if cost != 0 {
		t.Errorf("unknown (provider, model) should price at zero, got %f", cost)
	}
}

func TestCheckBudget_UserCeiling(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	tenant.Budget.UserDailyTokens = 100

	tracker.Record(ctx, tenant, "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 60, CompletionTokens: 40, TotalTokens: 100,
	})

	reason := tracker.CheckBudget(ctx, tenant, "u1")
	if reason == "" {
		t.Fatal("expected user budget refusal at ceiling")
	}
	if !strings.Contains(reason, "user") {
		t.Errorf("reason should name the user ceiling, got %q", reason)
	}

	if reason := tracker.CheckBudget(ctx, tenant, "u2"); reason != "" {
		t.Errorf("other user should not be blocked, got %q", reason)
	}
}

func TestCheckBudget_TenantCeiling(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	tenant.Budget.TenantDailyTokens = 100

	tracker.Record(ctx, tenant, "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 60, CompletionTokens: 40, TotalTokens: 100,
	})

	reason := tracker.CheckBudget(ctx, tenant, "u2")
	if reason == "" {
		t.Fatal("expected tenant budget refusal at ceiling")
	}
	if !strings.Contains(reason, "server") {
		t.Errorf("reason should name the server ceiling, got %q", reason)
	}
}

func TestCheckBudget_CostCeiling(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	tenant.Budget.DailyCostUSD = 0.05

	tracker.Record(ctx, tenant, "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000,
	})

	reason := tracker.CheckBudget(ctx, tenant, "u1")
	if reason == "" {
		t.Fatal("expected cost budget refusal")
	}
	if !strings.Contains(reason, "cost") {
		t.Errorf("reason should name the cost ceiling, got %q", reason)
	}
}

func TestCheckBudget_ExpiredBucketCountsAsEmpty(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	tenant.Budget.TenantDailyTokens = 100

	expired := time.Now().UnixMilli() - domain.DayMillis - 1
	store.Save(ctx, "t1", &domain.TenantUsage{
		TokensDayStart: expired,
		TokensDayTotal: 100,
	})

	if reason := tracker.CheckBudget(ctx, tenant, "u1"); reason != "" {
		t.Errorf("expired day bucket should not block, got %q", reason)
	}
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, tenantID string) (*domain.TenantUsage, error) {
	return nil, errors.New("store down")
}
func (failingStore) Save(ctx context.Context, tenantID string, u *domain.TenantUsage) error {
	return errors.New("store down")
}
func (failingStore) AddTokens(ctx context.Context, tenantID string, p, c, total int64, cost float64) error {
	return errors.New("store down")
}

func TestCheckBudget_FailsOpen(t *testing.T) {
	tracker := NewTracker(failingStore{}, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	tenant.Budget.TenantDailyTokens = 1

	if reason := tracker.CheckBudget(ctx, tenant, "u1"); reason != "" {
		t.Errorf("budget check should fail open on store errors, got %q", reason)
	}
}

func TestRecord_PublishesEvent(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	publisher := queue.NewInMemoryPublisher()
	tracker := NewTracker(store, NewCalculator()).WithPublisher(publisher)
	ctx := context.Background()

	tracker.Record(ctx, testTenant("t1"), "u1", "c1", "openai", "gpt-4", domain.Usage{
		PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8,
	})

	events := publisher.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(events))
	}
	if events[0].TenantID != "t1" || events[0].TotalTokens != 8 {
		t.Errorf("event = %+v, want tenant t1 with 8 tokens", events[0])
	}
}

func TestStats_Leaderboards(t *testing.T) {
	store := repository.NewInMemoryUsageStore()
	tracker := NewTracker(store, NewCalculator())
	ctx := context.Background()

	tenant := testTenant("t1")
	record := func(user, channel string, tokens int) {
		tracker.Record(ctx, tenant, user, channel, "openai", "gpt-4", domain.Usage{
			CompletionTokens: tokens, TotalTokens: tokens,
		})
	}
	record("alice", "general", 30)
	record("bob", "general", 50)
	record("carol", "random", 10)

	stats, err := tracker.Stats(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.TotalTokens != 90 {
		t.Errorf("TotalTokens = %d, want 90", stats.TotalTokens)
	}
	if len(stats.TopUsers) != 2 {
		t.Fatalf("TopUsers length = %d, want 2", len(stats.TopUsers))
	}
	if stats.TopUsers[0].ID != "bob" || stats.TopUsers[1].ID != "alice" {
		t.Errorf("TopUsers = [%s, %s], want [bob, alice]",
			stats.TopUsers[0].ID, stats.TopUsers[1].ID)
	}
	if stats.TopChannels[0].ID != "general" || stats.TopChannels[0].TotalTokens != 80 {
		t.Errorf("top channel = %+v, want general with 80 tokens", stats.TopChannels[0])
	}
}

func TestStats_EmptyTenant(t *testing.T) {
	tracker := NewTracker(repository.NewInMemoryUsageStore(), NewCalculator())

	stats, err := tracker.Stats(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalTokens != 0 || len(stats.TopUsers) != 0 {
		t.Errorf("empty tenant should yield zero stats, got %+v", stats)
	}
}
