package stream

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/howard-nolan/llmrouter/internal/types"
)

// sendEvents is a test helper that sends StreamEvents on a channel in a
// goroutine and closes the channel when done, simulating what the
// pipeline's observe loop does in production.
func sendEvents(events ...types.StreamEvent) <-chan types.StreamEvent {
	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		for _, e := range events {
			ch <- e
		}
	}()
	return ch
}

func parseSSEEvents(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				out = append(out, payload)
			}
		}
	}
	return out
}

func TestWriteEvents_TokenThenDone(t *testing.T) {
	ch := sendEvents(
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "openai", Delta: "Hello"},
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "openai", Delta: " world"},
		types.StreamEvent{
			Type: types.StreamEventDone, ProviderID: "openai",
			Usage: &types.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
	)

	w := httptest.NewRecorder()
	if err := WriteEvents(w, ch); err != nil {
		t.Fatalf("WriteEvents returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first eventChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "Hello")
	}

	var last eventChunk
	if err := json.Unmarshal([]byte(events[2]), &last); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Error("final event should have finish_reason=stop")
	}
	if last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Error("final event should carry usage with total_tokens=7")
	}
}

func TestWriteEvents_DoneWithTrailingContent(t *testing.T) {
	// Mirrors a provider that sends content and the finish signal in the
	// same terminal event (Gemini-style).
	ch := sendEvents(types.StreamEvent{
		Type: types.StreamEventDone, ProviderID: "google",
		Delta: "Paris is the capital.",
		Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})

	w := httptest.NewRecorder()
	if err := WriteEvents(w, ch); err != nil {
		t.Fatalf("WriteEvents returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (content + finish)", len(events))
	}

	var content eventChunk
	if err := json.Unmarshal([]byte(events[0]), &content); err != nil {
		t.Fatalf("failed to parse content event: %v", err)
	}
	if content.Choices[0].Delta.Content != "Paris is the capital." {
		t.Errorf("content = %q, want %q", content.Choices[0].Delta.Content, "Paris is the capital.")
	}
	if content.Choices[0].FinishReason != nil {
		t.Error("content event should not have finish_reason")
	}

	var finish eventChunk
	if err := json.Unmarshal([]byte(events[1]), &finish); err != nil {
		t.Fatalf("failed to parse finish event: %v", err)
	}
	if finish.Usage == nil || finish.Usage.TotalTokens != 15 {
		t.Error("finish event should carry usage with total_tokens=15")
	}
}

func TestWriteEvents_Upgrade(t *testing.T) {
	ch := sendEvents(
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "ollama", Delta: "partial"},
		types.StreamEvent{Type: types.StreamEventUpgrade, FromProvider: "ollama", ToProvider: "openai", Reason: "slow local model"},
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "openai", Delta: " continued"},
		types.StreamEvent{Type: types.StreamEventDone, ProviderID: "openai"},
	)

	w := httptest.NewRecorder()
	if err := WriteEvents(w, ch); err != nil {
		t.Fatalf("WriteEvents returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4 (token, upgrade, token, finish)", len(events))
	}

	var upgrade eventChunk
	if err := json.Unmarshal([]byte(events[1]), &upgrade); err != nil {
		t.Fatalf("failed to parse upgrade event: %v", err)
	}
	if upgrade.Upgrade == nil || upgrade.Upgrade.From != "ollama" || upgrade.Upgrade.To != "openai" {
		t.Errorf("upgrade event = %+v, want From=ollama To=openai", upgrade.Upgrade)
	}
}

func TestWriteEvents_MidStreamError(t *testing.T) {
	ch := sendEvents(
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "openai", Delta: "partial"},
		types.StreamEvent{Type: types.StreamEventError, Err: fmt.Errorf("connection reset")},
	)

	w := httptest.NewRecorder()
	err := WriteEvents(w, ch)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "connection reset")
	}
	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("errored stream should not contain [DONE]")
	}
}

func TestWriteEvents_SSEFormat(t *testing.T) {
	ch := sendEvents(
		types.StreamEvent{Type: types.StreamEventToken, ProviderID: "m", Delta: "hi"},
		types.StreamEvent{Type: types.StreamEventDone, ProviderID: "m"},
	)

	w := httptest.NewRecorder()
	if err := WriteEvents(w, ch); err != nil {
		t.Fatalf("WriteEvents returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (content + finish + DONE)", nonEmpty)
	}
}
