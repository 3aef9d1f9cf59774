package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/memory"
	"github.com/lumenchat/gateway/internal/repository"
	"github.com/lumenchat/gateway/internal/usage"
)

func TestChatStream_CompletionRecords(t *testing.T) {
	adapter := &fakeAdapter{
		id:     "openai",
		chunks: []string{"hi ", "there"},
		usage:  &domain.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
	store := repository.NewInMemoryUsageStore()
	mem := memory.NewStore()

	m := NewManager(ManagerConfig{
		Tracker: usage.NewTracker(store, usage.NewCalculator()),
		Memory:  mem,
		Factory: factoryFor(adapter, nil),
	})

	tenant := testTenant()
	ctx := context.Background()

	chunks, errs := m.ChatStream(ctx, ChatParams{
		Tenant: tenant, ChannelID: "c1", UserID: "u1", Message: "hello",
	})

	var got strings.Builder
	for chunk := range chunks {
		got.WriteString(chunk.Content)
	}
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
	default:
	}

	if got.String() != "hi there" {
		t.Errorf("streamed text = %q", got.String())
	}

	m.Close()

	doc, err := store.Get(ctx, "t1")
	if err != nil || doc == nil {
		t.Fatalf("usage doc = %v, %v", doc, err)
	}
	if doc.TotalTokens != 8 {
		t.Errorf("total tokens = %d, want 8 recorded after normal completion", doc.TotalTokens)
	}

	history := mem.History("t1", "c1", "u1", tenant.Memory)
	if len(history) != 2 || history[1].Content != "hi there" {
		t.Errorf("history = %+v, want the assembled stream remembered", history)
	}
}

func TestChatStream_AbandonedRecordsNothing(t *testing.T) {
	adapter := &fakeAdapter{
		id:          "openai",
		chunks:      []string{"partial"},
		usage:       &domain.Usage{TotalTokens: 99},
		blockStream: true,
	}
	store := repository.NewInMemoryUsageStore()
	mem := memory.NewStore()

	m := NewManager(ManagerConfig{
		Tracker: usage.NewTracker(store, usage.NewCalculator()),
		Memory:  mem,
		Factory: factoryFor(adapter, nil),
	})

	tenant := testTenant()
	ctx, cancel := context.WithCancel(context.Background())

	chunks, _ := m.ChatStream(ctx, ChatParams{
		Tenant: tenant, ChannelID: "c1", UserID: "u1", Message: "hello",
	})

	// Read the first chunk, then walk away.
	<-chunks
	cancel()
	for range chunks {
	}

	m.Close()

	doc, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil && doc.TotalTokens != 0 {
		t.Errorf("usage = %+v, abandoned stream must not be accounted", doc)
	}
	if mem.Len() != 0 {
		t.Error("abandoned stream must not be remembered")
	}
}

func TestChatStream_UpstreamErrorNoRecording(t *testing.T) {
	upstream := &domain.UpstreamError{Provider: "openai", Status: 500, Body: "boom"}
	adapter := &fakeAdapter{id: "openai", chatErr: upstream}
	store := repository.NewInMemoryUsageStore()

	m := NewManager(ManagerConfig{
		Tracker: usage.NewTracker(store, usage.NewCalculator()),
		Factory: factoryFor(adapter, nil),
	})

	tenant := testTenant()

	chunks, errs := m.ChatStream(context.Background(), ChatParams{
		Tenant: tenant, ChannelID: "c1", UserID: "u1", Message: "hello",
	})
	for range chunks {
	}

	select {
	case err := <-errs:
		var got *domain.UpstreamError
		if !errors.As(err, &got) || got.Status != 500 {
			t.Fatalf("stream error = %v, want the upstream error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error on the error channel")
	}

	m.Close()

	doc, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil && doc.TotalTokens != 0 {
		t.Errorf("usage = %+v, failed stream must not be accounted", doc)
	}
}

func TestChatStream_ResolveErrorClosesImmediately(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()

	tenant := testTenant()

	chunks, errs := m.ChatStream(context.Background(), ChatParams{
		Tenant:   tenant,
		Provider: "anthropic",
		Message:  "hi",
	})

	if _, ok := <-chunks; ok {
		t.Error("chunk channel should be closed without output")
	}
	if err := <-errs; !errors.Is(err, domain.ErrProviderNotConfigured) {
		t.Fatalf("error = %v, want ErrProviderNotConfigured", err)
	}
}

func TestChatStream_PolicyErrorClosesImmediately(t *testing.T) {
	adapter := &fakeAdapter{id: "openai"}
	m := NewManager(ManagerConfig{Factory: factoryFor(adapter, nil)})
	defer m.Close()

	tenant := testTenant()
	tenant.Models = domain.ModelPolicy{Deny: map[string][]string{"openai": {"gpt-4"}}}

	chunks, errs := m.ChatStream(context.Background(), ChatParams{Tenant: tenant, Message: "hi"})

	if _, ok := <-chunks; ok {
		t.Error("chunk channel should be closed without output")
	}
	if err := <-errs; !errors.Is(err, domain.ErrModelDenied) {
		t.Fatalf("error = %v, want ErrModelDenied", err)
	}
}
