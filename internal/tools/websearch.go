package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lumenchat/gateway/internal/httputil"
)

const defaultMaxResults = 5

// WebSearch queries a SearXNG-compatible search endpoint and returns a
// plain-text digest of the top results. The endpoint is tenant-configurable
// through tool config ("base_url", "max_results").
type WebSearch struct {
	baseURL string
	http    *http.Client
}

func NewWebSearch(baseURL string) *WebSearch {
	return &WebSearch{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httputil.DefaultClient(),
	}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Search the web and return a digest of the top results"
}

func (w *WebSearch) Execute(ctx context.Context, params map[string]any) (string, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return "", fmt.Errorf("web_search: missing query parameter")
	}

	baseURL := w.baseURL
	if override, ok := params["base_url"].(string); ok && override != "" {
		baseURL = strings.TrimSuffix(override, "/")
	}
	if baseURL == "" {
		return "", fmt.Errorf("web_search: no search endpoint configured")
	}

	maxResults := defaultMaxResults
	if n, ok := params["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	if len(parsed.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range parsed.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}

	return strings.TrimSpace(sb.String()), nil
}
