package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lumenchat/gateway/internal/domain"
)

// NewPostgresDB opens a connection pool sized for the gateway's write-light
// workload.
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// InitSchema creates the gateway tables when they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			config     JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS tenant_usage (
			tenant_id         TEXT PRIMARY KEY,
			prompt_tokens     BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens      BIGINT NOT NULL DEFAULT 0,
			total_cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens_day_start  BIGINT NOT NULL DEFAULT 0,
			tokens_day_total  BIGINT NOT NULL DEFAULT 0,
			cost_day_start    BIGINT NOT NULL DEFAULT 0,
			cost_day_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
			scopes            JSONB NOT NULL DEFAULT '{}',
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	return nil
}

type PostgresTenantStore struct {
	db *sql.DB
}

func NewPostgresTenantStore(db *sql.DB) *PostgresTenantStore {
	return &PostgresTenantStore{db: db}
}

func (s *PostgresTenantStore) GetByID(ctx context.Context, id string) (*domain.TenantConfig, error) {
	query := `SELECT config, created_at, updated_at FROM tenants WHERE id = $1`

	var raw []byte
	var createdAt, updatedAt time.Time

	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}

	var tenant domain.TenantConfig
	if err := json.Unmarshal(raw, &tenant); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	tenant.ID = id
	tenant.CreatedAt = createdAt
	tenant.UpdatedAt = updatedAt

	return &tenant, nil
}

func (s *PostgresTenantStore) List(ctx context.Context) ([]*domain.TenantConfig, error) {
	query := `SELECT id, config, created_at, updated_at FROM tenants ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.TenantConfig
	for rows.Next() {
		var id string
		var raw []byte
		var createdAt, updatedAt time.Time

		if err := rows.Scan(&id, &raw, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}

		var tenant domain.TenantConfig
		if err := json.Unmarshal(raw, &tenant); err != nil {
			return nil, fmt.Errorf("decode tenant config: %w", err)
		}
		tenant.ID = id
		tenant.CreatedAt = createdAt
		tenant.UpdatedAt = updatedAt

		tenants = append(tenants, &tenant)
	}

	return tenants, rows.Err()
}

func (s *PostgresTenantStore) Create(ctx context.Context, tenant *domain.TenantConfig) error {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}

	query := `INSERT INTO tenants (id, config) VALUES ($1, $2)`
	if _, err := s.db.ExecContext(ctx, query, tenant.ID, raw); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	return nil
}

func (s *PostgresTenantStore) Update(ctx context.Context, tenant *domain.TenantConfig) error {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}

	query := `UPDATE tenants SET config = $2, updated_at = NOW() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, tenant.ID, raw)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}

	return nil
}

func (s *PostgresTenantStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}

	return nil
}

// PostgresUsageStore persists usage documents. AddTokens increments the
// cumulative columns server-side so concurrent gateway instances never lose
// updates; Save writes only the day buckets and scope document.
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

type usageScopes struct {
	Users    map[string]*domain.ScopedUsage `json:"users,omitempty"`
	Channels map[string]*domain.ScopedUsage `json:"channels,omitempty"`
}

func (s *PostgresUsageStore) Get(ctx context.Context, tenantID string) (*domain.TenantUsage, error) {
	query := `
		SELECT prompt_tokens, completion_tokens, total_tokens, total_cost_usd,
		       tokens_day_start, tokens_day_total, cost_day_start, cost_day_usd, scopes
		FROM tenant_usage
		WHERE tenant_id = $1
	`

	var doc domain.TenantUsage
	var rawScopes []byte

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&doc.PromptTokens,
		&doc.CompletionTokens,
		&doc.TotalTokens,
		&doc.TotalCostUSD,
		&doc.TokensDayStart,
		&doc.TokensDayTotal,
		&doc.CostDayStart,
		&doc.CostDayUSD,
		&rawScopes,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}

	var scopes usageScopes
	if err := json.Unmarshal(rawScopes, &scopes); err != nil {
		return nil, fmt.Errorf("decode usage scopes: %w", err)
	}
	doc.Users = scopes.Users
	doc.Channels = scopes.Channels

	return &doc, nil
}

func (s *PostgresUsageStore) Save(ctx context.Context, tenantID string, u *domain.TenantUsage) error {
	rawScopes, err := json.Marshal(usageScopes{Users: u.Users, Channels: u.Channels})
	if err != nil {
		return fmt.Errorf("encode usage scopes: %w", err)
	}

	query := `
		INSERT INTO tenant_usage (tenant_id, tokens_day_start, tokens_day_total, cost_day_start, cost_day_usd, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			tokens_day_start = EXCLUDED.tokens_day_start,
			tokens_day_total = EXCLUDED.tokens_day_total,
			cost_day_start   = EXCLUDED.cost_day_start,
			cost_day_usd     = EXCLUDED.cost_day_usd,
			scopes           = EXCLUDED.scopes,
			updated_at       = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query,
		tenantID,
		u.TokensDayStart,
		u.TokensDayTotal,
		u.CostDayStart,
		u.CostDayUSD,
		rawScopes,
	); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}

	return nil
}

func (s *PostgresUsageStore) AddTokens(ctx context.Context, tenantID string, promptTokens, completionTokens, totalTokens int64, costUSD float64) error {
	query := `
		INSERT INTO tenant_usage (tenant_id, prompt_tokens, completion_tokens, total_tokens, total_cost_usd)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			prompt_tokens     = tenant_usage.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = tenant_usage.completion_tokens + EXCLUDED.completion_tokens,
			total_tokens      = tenant_usage.total_tokens + EXCLUDED.total_tokens,
			total_cost_usd    = tenant_usage.total_cost_usd + EXCLUDED.total_cost_usd,
			updated_at        = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, tenantID, promptTokens, completionTokens, totalTokens, costUSD); err != nil {
		return fmt.Errorf("increment usage counters: %w", err)
	}

	return nil
}
