package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lumenchat/gateway/internal/domain"
	"github.com/lumenchat/gateway/internal/metrics"
	"github.com/lumenchat/gateway/internal/telemetry"
)

// ChatStream executes one streaming call. Chunks are forwarded as they
// arrive; the error channel delivers at most one error. Recording (usage,
// memory, vector store) is anchored in a finalization hook that fires
// exactly once, and only when the upstream stream completes normally: a
// consumer that cancels or abandons the stream, or a mid-stream upstream
// failure, skips recording entirely. No partial accounting.
func (m *Manager) ChatStream(ctx context.Context, params ChatParams) (<-chan domain.ChatChunk, <-chan error) {
	out := make(chan domain.ChatChunk)
	errCh := make(chan error, 1)

	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "gateway.chat_stream")

	r, err := m.resolve(ctx, params)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		span.End()
		close(out)
		errCh <- err
		return out, errCh
	}

	telemetry.AddChatAttributes(span, params.Tenant.ID, r.providerName, r.model)

	if err := checkModelPolicy(params.Tenant, r.providerName, r.model); err != nil {
		telemetry.AddErrorAttribute(span, err)
		span.End()
		close(out)
		errCh <- err
		return out, errCh
	}

	params.Variables.Provider = r.providerName
	params.Variables.Model = r.model
	text := ResolveVariables(params.Message, params.Variables)

	messages := m.buildMessages(ctx, params, r, text)

	chunks, upstreamErrs := r.adapter.ChatStream(ctx, domain.ChatRequest{
		Model:    r.model,
		Messages: messages,
		Stream:   true,
	})

	metrics.ActiveStreams.Inc()

	go func() {
		defer close(out)
		defer metrics.ActiveStreams.Dec()

		var sb strings.Builder
		var once sync.Once

		// The span ends inside the once-hook so it closes before the
		// output channel does, with token attributes already attached.
		finalize := func(completed bool) {
			once.Do(func() {
				defer span.End()

				if !completed {
					metrics.RecordRequest(params.Tenant.ID, r.providerName, r.model, "aborted", time.Since(start).Seconds())
					return
				}

				metrics.RecordRequest(params.Tenant.ID, r.providerName, r.model, "success", time.Since(start).Seconds())

				u := domain.Usage{}
				if last := r.adapter.LastUsage(); last != nil {
					u = *last
				}
				telemetry.AddTokenAttributes(span, u.PromptTokens, u.CompletionTokens)
				m.afterExchange(params, r, text, sb.String(), u)
			})
		}
		defer finalize(false)

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					// Adapters buffer any terminal error before closing the
					// chunk channel, so a pending error means the stream did
					// not complete.
					if upstreamErrs != nil {
						select {
						case err, ok := <-upstreamErrs:
							if ok && err != nil {
								metrics.RecordProviderError(r.providerName, errorType(err))
								telemetry.AddErrorAttribute(span, err)
								errCh <- err
								return
							}
						default:
						}
					}
					finalize(true)
					return
				}
				sb.WriteString(chunk.Content)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case err, ok := <-upstreamErrs:
				if !ok {
					upstreamErrs = nil
					continue
				}
				if err == nil {
					continue
				}
				metrics.RecordProviderError(r.providerName, errorType(err))
				telemetry.AddErrorAttribute(span, err)
				errCh <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}
