package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// eventChunk is the OpenAI-compatible SSE payload for one types.StreamEvent,
// plus the gateway-specific fields a client can use to see which provider
// actually served the stream and whether a mid-stream upgrade happened.
type eventChunk struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Provider string        `json:"provider,omitempty"`
	Choices  []eventChoice `json:"choices"`
	Usage    *sseUsage     `json:"usage,omitempty"`
	Upgrade  *upgradeInfo  `json:"upgrade,omitempty"`
}

type eventChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type upgradeInfo struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// WriteEvents reads from a gateway-wide StreamEvent channel (as produced by
// the multiplexer coordinator, directly or replayed from cache) and writes
// OpenAI-compatible SSE to w. It tolerates an Upgrade event mid-stream by emitting an informational chunk rather than treating it as
// an error.
func WriteEvents(w http.ResponseWriter, events <-chan types.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		switch ev.Type {
		case types.StreamEventError:
			// Headers are already sent; the best we can do is stop sending
			// events. The client detects the failure by the missing [DONE].
			return gatewayerr.As(ev.Err)
		case types.StreamEventUpgrade:
			if err := writeSSE(w, flusher, eventChunk{
				Object: "chat.completion.chunk.upgrade",
				Upgrade: &upgradeInfo{From: ev.FromProvider, To: ev.ToProvider, Reason: ev.Reason},
				Choices: []eventChoice{{Index: 0, Delta: sseDelta{}}},
			}); err != nil {
				return err
			}
		case types.StreamEventToken:
			if err := writeSSE(w, flusher, eventChunk{
				Object:   "chat.completion.chunk",
				Provider: ev.ProviderID,
				Choices:  []eventChoice{{Index: 0, Delta: sseDelta{Content: ev.Delta}}},
			}); err != nil {
				return err
			}
		case types.StreamEventDone:
			if ev.Delta != "" {
				if err := writeSSE(w, flusher, eventChunk{
					Object: "chat.completion.chunk", Provider: ev.ProviderID,
					Choices: []eventChoice{{Index: 0, Delta: sseDelta{Content: ev.Delta}}},
				}); err != nil {
					return err
				}
			}
			reason := "stop"
			chunk := eventChunk{
				Object: "chat.completion.chunk", Provider: ev.ProviderID,
				Choices: []eventChoice{{Index: 0, Delta: sseDelta{}, FinishReason: &reason}},
			}
			if ev.Usage != nil {
				chunk.Usage = &sseUsage{
					PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens: ev.Usage.TotalTokens,
				}
			}
			if err := writeSSE(w, flusher, chunk); err != nil {
				return err
			}
		}
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, chunk eventChunk) error {
	jsonBytes, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}
