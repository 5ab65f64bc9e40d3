package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/atomic"
)

// ---------------------------------------------------------------------------
// OllamaProvider struct + constructor
// ---------------------------------------------------------------------------

// OllamaProvider implements the Provider interface for one or more local
// Ollama endpoints. Unlike the cloud adapters, there's no API key and no
// per-request cost — this is the provider the router's prefer_local_for
// intent list and the multiplexer's speculative-local leg both target.
//
// When more than one endpoint is configured, requests are spread across
// them round-robin via an atomic counter rather than a mutex-guarded index.
type OllamaProvider struct {
	endpoints []string
	client    *http.Client
	models    []string
	next      atomic.Uint64
}

// NewOllamaProvider creates an OllamaProvider serving the given endpoints.
func NewOllamaProvider(endpoints []string, client *http.Client, models []string) *OllamaProvider {
	return &OllamaProvider{endpoints: endpoints, client: client, models: models}
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) pickEndpoint() string {
	if len(o.endpoints) == 0 {
		return "http://localhost:11434"
	}
	i := o.next.Add(1) - 1
	return o.endpoints[i%uint64(len(o.endpoints))]
}

// --- wire types: Ollama's native /api/chat surface ---

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func toOllamaRequest(req *ChatRequest) *ollamaRequest {
	or := &ollamaRequest{Model: req.Model}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}
	return or
}

func (o *OllamaProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ollamaReq := toOllamaRequest(req)
	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.pickEndpoint())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to ollama: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("ollama API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	var oResp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oResp); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}

	return &ChatResponse{
		Model:   oResp.Model,
		Content: oResp.Message.Content,
		Usage: Usage{
			PromptTokens:     oResp.PromptEvalCount,
			CompletionTokens: oResp.EvalCount,
			TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
		},
	}, nil
}

func (o *OllamaProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ollamaReq := toOllamaRequest(req)
	ollamaReq.Stream = true

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.pickEndpoint())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to ollama: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("ollama API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		// Ollama's native stream is newline-delimited JSON, not SSE — each
		// line is a complete JSON object with no "data: " prefix.
		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var oResp ollamaResponse
			if err := json.Unmarshal([]byte(line), &oResp); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding ollama stream event: %w", err)}
				return
			}

			chunk := StreamChunk{Model: oResp.Model, Delta: oResp.Message.Content}
			if oResp.Done {
				chunk.Done = true
				chunk.Usage = &Usage{
					PromptTokens:     oResp.PromptEvalCount,
					CompletionTokens: oResp.EvalCount,
					TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading ollama stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Health pings the local server's root endpoint, which Ollama answers with
// "Ollama is running" on a bare GET /.
func (o *OllamaProvider) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.pickEndpoint()+"/", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama health check: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check: status %d", httpResp.StatusCode)
	}
	return nil
}

// ListModels returns the configured model ids for this adapter.
func (o *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	return o.models, nil
}
