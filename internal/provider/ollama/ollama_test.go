package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lumenchat/gateway/internal/domain"
)

func TestChat_UsageFromEvalCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("non-streaming call must set stream=false")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3",
			"message":           map[string]string{"role": "assistant", "content": "hi"},
			"done":              true,
			"prompt_eval_count": 14,
			"eval_count":        3,
		})
	}))
	defer srv.Close()

	p := New(srv.URL)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Model:    "llama3",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 14 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v, want eval counts mapped to tokens", resp.Usage)
	}
}

func TestChatStream_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":2}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n")+"\n")
	}))
	defer srv.Close()

	p := New(srv.URL)

	chunks, errs := p.ChatStream(context.Background(), domain.ChatRequest{Model: "llama3"})

	var got strings.Builder
	for chunk := range chunks {
		got.WriteString(chunk.Content)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if got.String() != "Hello" {
		t.Errorf("streamed text = %q", got.String())
	}

	last := p.LastUsage()
	if last == nil || last.PromptTokens != 10 || last.CompletionTokens != 2 {
		t.Errorf("LastUsage() = %+v, want counts from the final done chunk", last)
	}
}

func TestChatStream_EstimatesWhenCountsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3","message":{"role":"assistant","content":"four"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n")+"\n")
	}))
	defer srv.Close()

	p := New(srv.URL)

	chunks, errs := p.ChatStream(context.Background(), domain.ChatRequest{Model: "llama3"})
	for range chunks {
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error = %v", err)
	}

	last := p.LastUsage()
	if last == nil || last.PromptTokens != 0 || last.CompletionTokens != 1 {
		t.Errorf("LastUsage() = %+v, want estimate ceil(4/4)=1 with prompt unknown", last)
	}
}

func TestListModels_NativeTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3:latest"}, {"name": "mistral:7b"}},
		})
	}))
	defer srv.Close()

	p := New(srv.URL)

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:latest" {
		t.Errorf("models = %v", models)
	}
}

func TestListModels_FallsBackToOpenAIListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "llama3"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(srv.URL)

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0] != "llama3" {
		t.Errorf("models = %v, want the OpenAI-compatible fallback", models)
	}
}

func TestListModels_NeverErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL)

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() must never fail hard, got %v", err)
	}
	if models == nil || len(models) != 0 {
		t.Errorf("models = %v, want empty non-nil list", models)
	}
}

func TestToOllamaRequest_Options(t *testing.T) {
	got := toOllamaRequest(domain.ChatRequest{Model: "m"}, true)
	if got.Options != nil {
		t.Error("options should be omitted when unset")
	}
	if !got.Stream {
		t.Error("stream flag should pass through")
	}

	temp := 0.5
	mt := 64
	got = toOllamaRequest(domain.ChatRequest{Model: "m", Temperature: &temp, MaxTokens: &mt}, false)
	if got.Options == nil || got.Options.Temperature != 0.5 || got.Options.NumPredict != 64 {
		t.Errorf("options = %+v", got.Options)
	}
}
