package repository

import (
	"context"
	"sync"

	"github.com/lumenchat/gateway/internal/domain"
)

// InMemoryUsageStore keeps usage documents in process. Cumulative counters
// change only through AddTokens; Save overwrites the day buckets and scope
// maps. Get returns a deep copy so callers can mutate freely.
type InMemoryUsageStore struct {
	mu   sync.Mutex
	docs map[string]*domain.TenantUsage
}

func NewInMemoryUsageStore() *InMemoryUsageStore {
	return &InMemoryUsageStore{
		docs: make(map[string]*domain.TenantUsage),
	}
}

func (s *InMemoryUsageStore) Get(ctx context.Context, tenantID string) (*domain.TenantUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[tenantID]
	if !ok {
		return nil, nil
	}

	return copyUsage(doc), nil
}

func (s *InMemoryUsageStore) Save(ctx context.Context, tenantID string, u *domain.TenantUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[tenantID]
	if !ok {
		doc = &domain.TenantUsage{}
		s.docs[tenantID] = doc
	}

	doc.TokensDayStart = u.TokensDayStart
	doc.TokensDayTotal = u.TokensDayTotal
	doc.CostDayStart = u.CostDayStart
	doc.CostDayUSD = u.CostDayUSD
	doc.Users = copyScopes(u.Users)
	doc.Channels = copyScopes(u.Channels)

	return nil
}

func (s *InMemoryUsageStore) AddTokens(ctx context.Context, tenantID string, promptTokens, completionTokens, totalTokens int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[tenantID]
	if !ok {
		doc = &domain.TenantUsage{}
		s.docs[tenantID] = doc
	}

	doc.PromptTokens += promptTokens
	doc.CompletionTokens += completionTokens
	doc.TotalTokens += totalTokens
	doc.TotalCostUSD += costUSD

	return nil
}

func copyUsage(doc *domain.TenantUsage) *domain.TenantUsage {
	out := *doc
	out.Users = copyScopes(doc.Users)
	out.Channels = copyScopes(doc.Channels)
	return &out
}

func copyScopes(m map[string]*domain.ScopedUsage) map[string]*domain.ScopedUsage {
	if m == nil {
		return nil
	}
	out := make(map[string]*domain.ScopedUsage, len(m))
	for k, v := range m {
		su := *v
		out[k] = &su
	}
	return out
}
