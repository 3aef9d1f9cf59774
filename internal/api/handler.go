// Package api exposes the gateway to its host application over HTTP. It is
// a thin surface: tenant lookup, request decoding, preflight, dispatch,
// error mapping. All behavior lives in the gateway package.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/gateway"
	"github.com/lumenchat/gateway/internal/repository"
)

type HandlerConfig struct {
	Manager      *gateway.Manager
	TenantStore  repository.TenantStore
	HealthChecks []HealthChecker
}

type Handler struct {
	manager *gateway.Manager
	tenants repository.TenantStore
	mux     *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		manager: cfg.Manager,
		tenants: cfg.TenantStore,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/stats", h.handleStats)
	h.mux.HandleFunc("POST /v1/memory/clear", h.handleMemoryClear)
	h.mux.HandleFunc("POST /v1/tools/execute", h.handleToolExecute)
	h.mux.HandleFunc("GET /v1/variables", h.handleVariables)
	h.mux.HandleFunc("POST /v1/vector/test", h.handleVectorTest)
	h.mux.HandleFunc("POST /v1/vector/clear", h.handleVectorClear)
	h.mux.HandleFunc("GET /v1/vector/stats", h.handleVectorStats)
	h.mux.HandleFunc("GET /health", handleHealthLive)
	h.mux.HandleFunc("GET /health/live", handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthChecks, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type chatRequest struct {
	TenantID    string `json:"tenant_id"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	Message     string `json:"message"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	ServerName  string `json:"server_name,omitempty"`
}

type chatResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *domain.Usage `json:"usage,omitempty"`
	RequestID    string        `json:"request_id"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and message are required")
		return
	}

	tenant, err := h.tenants.GetByID(ctx, req.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if reason := h.manager.CheckAndRecordUsage(ctx, tenant, req.UserID, req.ChannelID); reason != "" {
		slog.Info("request refused by preflight",
			"request_id", requestID,
			"tenant_id", tenant.ID,
			"reason", reason,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"reason": reason})
		return
	}

	params := gateway.ChatParams{
		Tenant:    tenant,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Message:   req.Message,
		Provider:  req.Provider,
		Model:     req.Model,
		Variables: gateway.Variables{
			UserName:    req.UserName,
			ChannelName: req.ChannelName,
			ServerName:  req.ServerName,
		},
	}

	if req.Stream {
		h.streamChat(w, r, params, requestID)
		return
	}

	resp, err := h.manager.Chat(ctx, params)
	if err != nil {
		writeChatError(w, requestID, err)
		return
	}

	slog.Info("chat completed",
		"request_id", requestID,
		"tenant_id", tenant.ID,
		"model", resp.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(chatResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		RequestID:    requestID,
	})
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, params gateway.ChatParams, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)

	chunks, errs := h.manager.ChatStream(r.Context(), params)

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return
			}
			data, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()

		case err, ok := <-errs:
			if !ok || err == nil {
				continue
			}
			slog.Error("streaming error", "request_id", requestID, "error", err)
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	providerName := r.URL.Query().Get("provider")
	if tenantID == "" || providerName == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and provider are required")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	models, err := h.manager.GetAvailableModels(r.Context(), tenant, providerName)
	if err != nil {
		writeChatError(w, "", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"provider": providerName, "models": models})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	topN := 10
	if v := r.URL.Query().Get("top_n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			topN = n
		}
	}

	stats, err := h.manager.UsageStats(r.Context(), tenantID, topN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) handleMemoryClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID  string `json:"tenant_id"`
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and channel_id are required")
		return
	}

	h.manager.ClearMemory(req.TenantID, req.ChannelID, req.UserID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string         `json:"tenant_id"`
		Tool     string         `json:"tool"`
		Params   map[string]any `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and tool are required")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	result, err := h.manager.ExecuteTool(r.Context(), tenant, req.Tool, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownTool):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrToolDisabled):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"tool": req.Tool, "result": result})
}

func (h *Handler) handleVariables(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(gateway.VariablesHelp())
}

func (h *Handler) handleVectorTest(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFromBody(w, r)
	if !ok {
		return
	}

	if err := h.manager.TestVectorConnection(r.Context(), tenant); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleVectorClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID  string `json:"tenant_id"`
		ChannelID string `json:"channel_id,omitempty"`
		UserID    string `json:"user_id,omitempty"`
		WipeAll   bool   `json:"wipe_all,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if err := h.manager.ClearVectorMemory(r.Context(), tenant, req.ChannelID, req.UserID, req.WipeAll); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVectorStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	info, err := h.manager.VectorStats(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (h *Handler) tenantFromBody(w http.ResponseWriter, r *http.Request) (*domain.TenantConfig, bool) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return nil, false
	}

	tenant, err := h.tenants.GetByID(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return nil, false
	}

	return tenant, true
}

// writeChatError maps gateway errors onto HTTP statuses. Upstream provider
// errors surface the vendor status and body fragment untranslated.
func writeChatError(w http.ResponseWriter, requestID string, err error) {
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	switch {
	case errors.Is(err, domain.ErrProviderNotConfigured),
		errors.Is(err, domain.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrModelDenied),
		errors.Is(err, domain.ErrModelNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		if ue, ok := domain.AsUpstreamError(err); ok {
			writeError(w, http.StatusBadGateway, ue.Error())
			return
		}
		slog.Error("chat failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
