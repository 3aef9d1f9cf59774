// Package repository persists tenant configuration and usage documents.
// In-memory implementations back tests and single-binary deployments;
// Postgres implementations back multi-instance deployments.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/lumenchat/gateway/internal/domain"
)

type TenantStore interface {
	GetByID(ctx context.Context, id string) (*domain.TenantConfig, error)
	List(ctx context.Context) ([]*domain.TenantConfig, error)
	Create(ctx context.Context, tenant *domain.TenantConfig) error
	Update(ctx context.Context, tenant *domain.TenantConfig) error
	Delete(ctx context.Context, id string) error
}

type InMemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*domain.TenantConfig
}

func NewInMemoryTenantStore() *InMemoryTenantStore {
	store := &InMemoryTenantStore{
		tenants: make(map[string]*domain.TenantConfig),
	}

	defaultTenant := &domain.TenantConfig{
		ID:              "default",
		Name:            "default",
		DefaultProvider: "ollama",
		RateLimit: domain.RateLimitConfig{
			CooldownSec:      0,
			UserPerMinute:    20,
			ChannelPerMinute: 60,
		},
		Memory: domain.MemoryConfig{
			Enabled:       true,
			Limit:         10,
			MergeStrategy: domain.MergeAppend,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	store.tenants[defaultTenant.ID] = defaultTenant

	return store
}

func (s *InMemoryTenantStore) GetByID(ctx context.Context, id string) (*domain.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	return tenant, nil
}

func (s *InMemoryTenantStore) List(ctx context.Context) ([]*domain.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]*domain.TenantConfig, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		tenants = append(tenants, tenant)
	}

	return tenants, nil
}

func (s *InMemoryTenantStore) Create(ctx context.Context, tenant *domain.TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = tenant.CreatedAt
	s.tenants[tenant.ID] = tenant

	return nil
}

func (s *InMemoryTenantStore) Update(ctx context.Context, tenant *domain.TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.ID]; !ok {
		return domain.ErrTenantNotFound
	}

	tenant.UpdatedAt = time.Now()
	s.tenants[tenant.ID] = tenant

	return nil
}

func (s *InMemoryTenantStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[id]; !ok {
		return domain.ErrTenantNotFound
	}

	delete(s.tenants, id)
	return nil
}
