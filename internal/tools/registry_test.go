package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/lumenchat/gateway/internal/domain"
)

type echoTool struct {
	name       string
	lastParams map[string]any
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes parameters" }

func (e *echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	e.lastParams = params
	return "ok", nil
}

func tenantWithPolicy(policy domain.ToolPolicy) *domain.TenantConfig {
	return &domain.TenantConfig{ID: "t1", Tools: policy}
}

func TestIsEnabled_DefaultEnabled(t *testing.T) {
	r := NewRegistry()
	if !r.IsEnabled(domain.ToolPolicy{}, "web_search") {
		t.Error("tools should be enabled by default")
	}
}

func TestIsEnabled_DenyWins(t *testing.T) {
	r := NewRegistry()
	policy := domain.ToolPolicy{
		Allow: []string{"web_search"},
		Deny:  []string{"web_search"},
	}
	if r.IsEnabled(policy, "web_search") {
		t.Error("a tool in both lists must be denied")
	}
}

func TestIsEnabled_AllowListIsExclusive(t *testing.T) {
	r := NewRegistry()
	policy := domain.ToolPolicy{Allow: []string{"web_search"}}

	if !r.IsEnabled(policy, "web_search") {
		t.Error("allowed tool should be enabled")
	}
	if r.IsEnabled(policy, "calculator") {
		t.Error("a non-empty allow list disables everything not on it")
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), tenantWithPolicy(domain.ToolPolicy{}), "nope", nil)
	if !errors.Is(err, domain.ErrUnknownTool) {
		t.Fatalf("error = %v, want ErrUnknownTool", err)
	}
}

func TestExecute_DisabledTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "web_search"})

	tenant := tenantWithPolicy(domain.ToolPolicy{Deny: []string{"web_search"}})

	_, err := r.Execute(context.Background(), tenant, "web_search", nil)
	if !errors.Is(err, domain.ErrToolDisabled) {
		t.Fatalf("error = %v, want ErrToolDisabled", err)
	}
}

func TestExecute_MergesConfigOverParams(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{name: "web_search"}
	r.Register(tool)

	tenant := tenantWithPolicy(domain.ToolPolicy{
		Config: map[string]map[string]any{
			"web_search": {"max_results": 3},
		},
	})

	result, err := r.Execute(context.Background(), tenant, "web_search", map[string]any{
		"query":       "golang",
		"max_results": 50,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q", result)
	}

	if tool.lastParams["query"] != "golang" {
		t.Errorf("caller params should pass through, got %v", tool.lastParams)
	}
	if tool.lastParams["max_results"] != 3 {
		t.Errorf("tenant config must override caller params, got %v", tool.lastParams["max_results"])
	}
}

func TestExecute_ConfigAppliesAtDispatchTime(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{name: "web_search"}
	r.Register(tool)

	tenant := tenantWithPolicy(domain.ToolPolicy{})
	if _, err := r.Execute(context.Background(), tenant, "web_search", nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Changing the tenant config takes effect on the next call without
	// re-registering the tool.
	tenant.Tools.Config = map[string]map[string]any{
		"web_search": {"base_url": "http://searx.local"},
	}
	if _, err := r.Execute(context.Background(), tenant, "web_search", nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if tool.lastParams["base_url"] != "http://searx.local" {
		t.Errorf("updated config should apply on the next dispatch, got %v", tool.lastParams)
	}
}

func TestList(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "a"})
	r.Register(&echoTool{name: "b"})

	if got := r.List(); len(got) != 2 {
		t.Errorf("List() = %v, want 2 tools", got)
	}
}
