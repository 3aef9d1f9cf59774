package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenchat/gateway/internal/api"
	"github.com/lumenchat/gateway/internal/budget"
	"github.com/lumenchat/gateway/internal/cache"
	"github.com/lumenchat/gateway/internal/config"
	"github.com/lumenchat/gateway/internal/crypto"
	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/gateway"
	"github.com/lumenchat/gateway/internal/notifications"
	"github.com/lumenchat/gateway/internal/queue"
	"github.com/lumenchat/gateway/internal/repository"
	"github.com/lumenchat/gateway/internal/secrets"
	"github.com/lumenchat/gateway/internal/telemetry"
	"github.com/lumenchat/gateway/internal/tools"
	"github.com/lumenchat/gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chat gateway", "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "chat-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var healthChecks []api.HealthChecker

	var tenantStore repository.TenantStore
	var usageStore usage.Store
	if cfg.DatabaseURL != "" {
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		if err := repository.InitSchema(ctx, db); err != nil {
			slog.Error("failed to initialize schema", "error", err)
			os.Exit(1)
		}
		tenantStore = repository.NewPostgresTenantStore(db)
		usageStore = repository.NewPostgresUsageStore(db)
		healthChecks = append(healthChecks, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres stores")
	} else {
		memStore := repository.NewInMemoryTenantStore()
		seedDefaultTenant(ctx, memStore, cfg)
		tenantStore = memStore
		usageStore = repository.NewInMemoryUsageStore()
		slog.Info("using in-memory stores")
	}

	var modelCache cache.ModelListCache
	var dedup budget.AlertDeduplicator
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
		} else {
			modelCache = redisCache
			slog.Info("using redis model-list cache")
		}

		if checker, err := api.NewRedisHealthChecker(cfg.RedisURL); err == nil {
			healthChecks = append(healthChecks, checker)
		}

		redisDedup, err := budget.NewRedisDeduplicator(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			slog.Warn("failed to connect to redis for alert dedup, using in-memory", "error", err)
			dedup = budget.NewInMemoryDeduplicator()
		} else {
			dedup = redisDedup
		}
	} else {
		dedup = budget.NewInMemoryDeduplicator()
	}

	var notifier notifications.Notifier
	if cfg.SNSTopicArn != "" && cfg.AWSRegion != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicArn)
		if err != nil {
			slog.Warn("failed to initialize SNS notifier", "error", err)
		} else {
			notifier = snsNotifier
			slog.Info("budget alerts via SNS", "topic", cfg.SNSTopicArn)
		}
	}

	tracker := usage.NewTracker(usageStore, usage.NewCalculator()).
		WithMonitor(budget.NewMonitor(notifier, dedup, budget.DefaultThresholds()))

	if cfg.SQSQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Warn("failed to initialize SQS publisher", "error", err)
		} else {
			tracker.WithPublisher(publisher)
			slog.Info("usage export via SQS", "queue", cfg.SQSQueueURL)
		}
	}

	var secretStore secrets.SecretStore
	if cfg.UseSecrets && cfg.AWSRegion != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to initialize secrets manager", "error", err)
			os.Exit(1)
		}
		secretStore = sm
		slog.Info("credential references via AWS Secrets Manager")
	}

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	}

	toolRegistry := tools.NewRegistry()
	if cfg.SearxngURL != "" {
		toolRegistry.Register(tools.NewWebSearch(cfg.SearxngURL))
		slog.Info("web search tool enabled", "base_url", cfg.SearxngURL)
	}

	manager := gateway.NewManager(gateway.ManagerConfig{
		Tracker:    tracker,
		Tools:      toolRegistry,
		ModelCache: modelCache,
		Secrets:    secretStore,
		Encryptor:  encryptor,
	})
	defer manager.Close()

	handler := api.NewHandler(api.HandlerConfig{
		Manager:      manager,
		TenantStore:  tenantStore,
		HealthChecks: healthChecks,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// seedDefaultTenant wires env credentials into the in-memory default tenant
// so a single-binary deployment works without a tenant database.
func seedDefaultTenant(ctx context.Context, store *repository.InMemoryTenantStore, cfg *config.Config) {
	tenant, err := store.GetByID(ctx, "default")
	if err != nil {
		return
	}

	tenant.DefaultProvider = cfg.DefaultProvider
	tenant.DefaultModel = cfg.DefaultModel
	tenant.Providers = map[string]domain.ProviderConfig{
		"ollama": {BaseURL: cfg.OllamaBaseURL},
	}
	if cfg.OpenAIAPIKey != "" {
		tenant.Providers["openai"] = domain.ProviderConfig{APIKey: cfg.OpenAIAPIKey}
	}
	if cfg.AnthropicAPIKey != "" {
		tenant.Providers["anthropic"] = domain.ProviderConfig{
			APIKey: cfg.AnthropicAPIKey,
			Models: cfg.AnthropicModels,
		}
	}
	if cfg.VectorURL != "" {
		tenant.Vector = domain.VectorConfig{
			Enabled:        true,
			URL:            cfg.VectorURL,
			SearchLimit:    5,
			ScoreThreshold: 0.7,
		}
	}

	if err := store.Update(ctx, tenant); err != nil {
		slog.Warn("failed to seed default tenant", "error", err)
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
