package multiplexer

import (
	"context"

	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// driveProvider streams one provider's completion and republishes every
// chunk as a types.StreamEvent on out, tagged with providerID. It respects
// ctx cancellation and stops immediately once cancelled, without closing
// out — out is owned by the coordinator, which may be multiplexing several
// drivers onto it concurrently.
func driveProvider(ctx context.Context, p provider.Provider, req *provider.ChatRequest, providerID string, out chan<- types.StreamEvent) {
	start := nowMS()
	chunks, err := p.ChatCompletionStream(ctx, req)
	if err != nil {
		select {
		case out <- types.StreamEvent{Type: types.StreamEventError, ProviderID: providerID, Err: err}:
		case <-ctx.Done():
		}
		return
	}

	for chunk := range chunks {
		ev := provider.ToStreamEvent(providerID, chunk)
		if ev.Type == types.StreamEventToken {
			ev.LatencyMS = nowMS() - start
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Type == types.StreamEventDone || ev.Type == types.StreamEventError {
			return
		}
	}
}
