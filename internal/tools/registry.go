// Package tools holds named capabilities the gateway can invoke on behalf
// of a tenant, gated by per-tenant allow/deny policy.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenchat/gateway/internal/domain"
)

// Tool is one registered capability. Execute receives the call parameters
// merged with the tenant's tool configuration and returns a text result.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (string, error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// IsEnabled applies tenant governance: deny wins outright, a non-empty
// allow list is exclusive, otherwise tools are enabled by default.
func (r *Registry) IsEnabled(policy domain.ToolPolicy, name string) bool {
	for _, denied := range policy.Deny {
		if denied == name {
			return false
		}
	}

	if len(policy.Allow) > 0 {
		for _, allowed := range policy.Allow {
			if allowed == name {
				return true
			}
		}
		return false
	}

	return true
}

// Execute dispatches one tool call. Tenant tool configuration is merged
// into the parameters here, at dispatch time, so governance and config
// changes apply on the next call without re-registration. Config values
// override caller parameters of the same name.
func (r *Registry) Execute(ctx context.Context, tenant *domain.TenantConfig, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}

	if !r.IsEnabled(tenant.Tools, name) {
		return "", fmt.Errorf("%w: %s", domain.ErrToolDisabled, name)
	}

	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range tenant.Tools.Config[name] {
		merged[k] = v
	}

	return tool.Execute(ctx, merged)
}
