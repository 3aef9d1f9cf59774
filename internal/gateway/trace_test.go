package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lumenchat/gateway/internal/domain"
)

var (
	spanSetup    sync.Once
	spanRecorder *tracetest.SpanRecorder
)

// spanRecording installs a recording tracer provider once for the whole
// package; the global tracer delegates to it for every span started after.
func spanRecording(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	spanSetup.Do(func() {
		spanRecorder = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder)))
	})
	return spanRecorder
}

func lastSpanNamed(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	var found sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == name {
			found = s
		}
	}
	return found
}

func spanAttributes(s sdktrace.ReadOnlySpan) map[string]attribute.Value {
	attrs := make(map[string]attribute.Value, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value
	}
	return attrs
}

func TestChat_RecordsSpan(t *testing.T) {
	rec := spanRecording(t)
	before := len(rec.Ended())

	adapter := &fakeAdapter{
		id:    "openai",
		reply: "pong",
		usage: &domain.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
	m := NewManager(ManagerConfig{Factory: factoryFor(adapter, nil)})
	defer m.Close()

	if _, err := m.Chat(context.Background(), ChatParams{
		Tenant: testTenant(), ChannelID: "c1", UserID: "u1", Message: "ping",
	}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	span := lastSpanNamed(rec.Ended()[before:], "gateway.chat")
	if span == nil {
		t.Fatal("no gateway.chat span recorded")
	}

	attrs := spanAttributes(span)
	if got := attrs["tenant.id"].AsString(); got != "t1" {
		t.Errorf("tenant.id = %q", got)
	}
	if got := attrs["provider"].AsString(); got != "openai" {
		t.Errorf("provider = %q", got)
	}
	if got := attrs["model"].AsString(); got != "gpt-4" {
		t.Errorf("model = %q", got)
	}
	if got := attrs["tokens.prompt"].AsInt64(); got != 5 {
		t.Errorf("tokens.prompt = %d", got)
	}
	if got := attrs["tokens.total"].AsInt64(); got != 8 {
		t.Errorf("tokens.total = %d", got)
	}
}

func TestChat_SpanRecordsError(t *testing.T) {
	rec := spanRecording(t)
	before := len(rec.Ended())

	adapter := &fakeAdapter{
		id:      "openai",
		chatErr: &domain.UpstreamError{Provider: "openai", Status: 500, Body: "boom"},
	}
	m := NewManager(ManagerConfig{Factory: factoryFor(adapter, nil)})
	defer m.Close()

	if _, err := m.Chat(context.Background(), ChatParams{
		Tenant: testTenant(), ChannelID: "c1", UserID: "u1", Message: "ping",
	}); err == nil {
		t.Fatal("Chat() should surface the upstream error")
	}

	span := lastSpanNamed(rec.Ended()[before:], "gateway.chat")
	if span == nil {
		t.Fatal("no gateway.chat span recorded")
	}

	attrs := spanAttributes(span)
	if got := attrs["error.message"].AsString(); !strings.Contains(got, "boom") {
		t.Errorf("error.message = %q, want the upstream body surfaced", got)
	}
}

func TestChatStream_RecordsSpan(t *testing.T) {
	rec := spanRecording(t)
	before := len(rec.Ended())

	adapter := &fakeAdapter{
		id:     "openai",
		chunks: []string{"hi ", "there"},
		usage:  &domain.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}
	m := NewManager(ManagerConfig{Factory: factoryFor(adapter, nil)})
	defer m.Close()

	chunks, errs := m.ChatStream(context.Background(), ChatParams{
		Tenant: testTenant(), ChannelID: "c1", UserID: "u1", Message: "hello",
	})
	for range chunks {
	}
	select {
	case err := <-errs:
		t.Fatalf("stream error = %v", err)
	default:
	}

	span := lastSpanNamed(rec.Ended()[before:], "gateway.chat_stream")
	if span == nil {
		t.Fatal("no gateway.chat_stream span recorded")
	}

	attrs := spanAttributes(span)
	if got := attrs["provider"].AsString(); got != "openai" {
		t.Errorf("provider = %q", got)
	}
	if got := attrs["tokens.total"].AsInt64(); got != 6 {
		t.Errorf("tokens.total = %d", got)
	}
}
