package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// OpenAIProvider implements the Provider interface for OpenAI's chat
// completions API. Azure's OpenAI-compatible deployments and xAI's Grok
// API both speak the same wire format, so this adapter is reused for all
// three by pointing baseURL at the right host.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	client  *http.Client
	models  []string
}

// NewOpenAIProvider creates an OpenAIProvider. name lets the same adapter
// serve under "openai", "azure", or "xai" identities.
func NewOpenAIProvider(name, apiKey, baseURL string, client *http.Client, models []string) *OpenAIProvider {
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		models:  models,
	}
}

func (o *OpenAIProvider) Name() string { return o.name }

// --- wire types ---

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	Delta        openAIMessage `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

func toOpenAIRequest(req *ChatRequest) *openAIRequest {
	or := &openAIRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}
	return or
}

func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	openAIReq := toOpenAIRequest(req)
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("%s API error (status %d): %v", o.name, httpResp.StatusCode, errBody)
	}

	var oaResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaResp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", o.name, err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", o.name)
	}

	return &ChatResponse{
		ID:      oaResp.ID,
		Model:   oaResp.Model,
		Content: oaResp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		},
	}, nil
}

func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	openAIReq := toOpenAIRequest(req)
	openAIReq.Stream = true

	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("%s API error (status %d): %v", o.name, httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}

			var sc openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &sc); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding %s stream event: %w", o.name, err)}
				return
			}
			if len(sc.Choices) == 0 {
				continue
			}
			choice := sc.Choices[0]

			chunk := StreamChunk{ID: sc.ID, Model: sc.Model, Delta: choice.Delta.Content}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				chunk.Done = true
				if sc.Usage != nil {
					chunk.Usage = &Usage{
						PromptTokens:     sc.Usage.PromptTokens,
						CompletionTokens: sc.Usage.CompletionTokens,
						TotalTokens:      sc.Usage.TotalTokens,
					}
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
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading %s stream: %w", o.name, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Health issues a lightweight models-list call.
func (o *OpenAIProvider) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s health check: %w", o.name, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health check: status %d", o.name, httpResp.StatusCode)
	}
	return nil
}

// ListModels returns the configured model ids for this adapter.
func (o *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	return o.models, nil
}
