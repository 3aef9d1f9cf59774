package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lumenchat/gateway/internal/domain"
)

func TestToAnthropicRequest_HoistsLeadingSystemMessages(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are terse."},
			{Role: domain.RoleSystem, Content: "Answer in English."},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello"},
			{Role: domain.RoleUser, Content: "bye"},
		},
	}

	got := toAnthropicRequest(req, false)

	if got.System != "You are terse.\n\nAnswer in English." {
		t.Errorf("system = %q, want leading system messages joined with blank line", got.System)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system hoisted out)", len(got.Messages))
	}
	wantRoles := []string{domain.RoleUser, domain.RoleAssistant, domain.RoleUser}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q (order preserved)", i, got.Messages[i].Role, role)
		}
	}
}

func TestToAnthropicRequest_DefaultMaxTokens(t *testing.T) {
	got := toAnthropicRequest(domain.ChatRequest{Model: "m"}, false)
	if got.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want the 4096 default (field is required)", got.MaxTokens)
	}

	mt := 100
	got = toAnthropicRequest(domain.ChatRequest{Model: "m", MaxTokens: &mt}, true)
	if got.MaxTokens != 100 || !got.Stream {
		t.Errorf("request = %+v, want caller max_tokens and stream set", got)
	}
}

func TestChat_ParsesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header required")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1",
			"content": []map[string]string{
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "part two"},
			},
			"model":       "claude-3-5-sonnet-20241022",
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 11, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p := New("test-key", srv.URL, nil)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "part one part two" {
		t.Errorf("content = %q, want text blocks concatenated", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want end_turn mapped to stop", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want input+output totaled", resp.Usage)
	}
	if last := p.LastUsage(); last == nil || last.PromptTokens != 11 {
		t.Errorf("LastUsage() = %+v", last)
	}
}

func TestChat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := New("k", srv.URL, nil)

	_, err := p.Chat(context.Background(), domain.ChatRequest{Model: "m"})
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || upstream.Provider != "anthropic" || upstream.Status != http.StatusBadRequest {
		t.Fatalf("error = %v, want anthropic upstream error", err)
	}
}

func TestChatStream_CollectsDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":8,"output_tokens":0}}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_delta","usage":{"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	defer srv.Close()

	p := New("k", srv.URL, nil)

	chunks, errs := p.ChatStream(context.Background(), domain.ChatRequest{Model: "m"})

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
	if last == nil || last.PromptTokens != 8 || last.CompletionTokens != 2 || last.TotalTokens != 10 {
		t.Errorf("LastUsage() = %+v, want usage stitched from message_start and message_delta", last)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListModels_StaticCatalog(t *testing.T) {
	p := New("k", "", nil)
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) == 0 {
		t.Fatal("static catalog should not be empty")
	}
}

func TestListModels_ConfiguredCatalogWins(t *testing.T) {
	p := New("k", "", []string{"claude-next-1", "claude-next-2"})
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "claude-next-1" {
		t.Fatalf("models = %v, want the configured catalog", models)
	}

	// The returned slice is a copy; callers cannot mutate the catalog.
	models[0] = "mutated"
	again, _ := p.ListModels(context.Background())
	if again[0] != "claude-next-1" {
		t.Error("ListModels() should return a fresh copy each call")
	}
}
