package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_chat_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"tenant_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_chat_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tenant_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"tenant_id", "provider", "model"},
	)

	PreflightRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_preflight_rejections_total",
			Help: "Requests rejected by the rate/budget preflight",
		},
		[]string{"tenant_id", "reason"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total number of upstream provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of in-flight streaming chat calls",
		},
	)

	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_background_tasks_total",
			Help: "Fire-and-forget recording tasks by outcome",
		},
		[]string{"task", "outcome"},
	)

	VectorOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_vector_operations_total",
			Help: "Vector-memory operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	ModelListCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_model_list_cache_total",
			Help: "Model-list cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)

func RecordRequest(tenantID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(tenantID, provider, model).Observe(durationSec)
}

func RecordTokens(tenantID, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(tenantID, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(tenantID, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(tenantID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(tenantID, provider, model).Add(costUSD)
}

func RecordPreflightRejection(tenantID, reason string) {
	PreflightRejections.WithLabelValues(tenantID, reason).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordBackgroundTask(task, outcome string) {
	BackgroundTasks.WithLabelValues(task, outcome).Inc()
}

func RecordVectorOperation(operation, outcome string) {
	VectorOperations.WithLabelValues(operation, outcome).Inc()
}
