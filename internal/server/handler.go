package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/stream"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// authenticate resolves the caller's API key into a tenant identity and
// stashes a *types.RequestContext on the request context for downstream
// handlers. When the gateway has no configured keys at all (local/dev
// use), every request is treated as an anonymous free-tier tenant instead
// of being rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		var tenantID, tier string
		var priority int

		if len(s.keys) == 0 {
			tenantID, tier, priority = "anonymous", "free", 0
		} else {
			info, ok := s.keys[apiKey]
			if !ok {
				writeError(w, gatewayerr.Unauthorized("invalid or missing API key"))
				return
			}
			tenantID, tier, priority = info.TenantID, info.Tier, info.Priority
		}

		rc := &types.RequestContext{
			RequestID:   middleware.GetReqID(r.Context()),
			TenantID:    tenantID,
			APIKey:      apiKey,
			Priority:    priority,
			BillingTier: tier,
			Started:     time.Now(),
		}
		ctx := context.WithValue(r.Context(), requestContextKey, rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestContextFrom(r *http.Request) *types.RequestContext {
	rc, _ := r.Context().Value(requestContextKey).(*types.RequestContext)
	if rc == nil {
		rc = &types.RequestContext{TenantID: "anonymous", BillingTier: "free", Started: time.Now()}
	}
	return rc
}

// handleHealth reports liveness plus a quick health summary of every
// configured provider.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	statuses := make(map[string]providerStatus, len(s.providers))
	for id, p := range s.providers {
		if err := p.Health(r.Context()); err != nil {
			statuses[id] = providerStatus{Healthy: false, Error: err.Error()}
		} else {
			statuses[id] = providerStatus{Healthy: true}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"providers": statuses,
	})
}

// handleStatus reports the caller's admission standing and usage summary.
// It runs after authentication so the tenant identity is already resolved.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rc := requestContextFrom(r)
	status := s.limiter.Status(rc.TenantID, rc.Tier())
	usage := s.ledger.UsageStats(rc.TenantID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"rate_limit": status,
		"usage":      usage,
	})
}

// handleListModels answers /v1/models by polling every provider's
// ListModels and flattening the results into the OpenAI-compatible list
// shape.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var models []types.Model
	now := time.Now().Unix()
	for id, p := range s.providers {
		ids, err := p.ListModels(r.Context())
		if err != nil {
			log.Printf("listing models for %s: %v", id, err)
			continue
		}
		for _, m := range ids {
			models = append(models, types.Model{ID: m, Object: "model", Created: now, OwnedBy: id, Provider: id})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

// handleChatCompletions handles POST /v1/chat/completions: the gateway's
// primary surface. It decodes the OpenAI-compatible request body, runs it
// through the pipeline (admission, cache, routing, multiplexed dispatch),
// and either streams the result as SSE or returns a single JSON response.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.InvalidRequest("invalid request body", err))
		return
	}
	if req.Model == "" {
		req.Model = "auto"
	}
	if len(req.Messages) == 0 {
		writeError(w, gatewayerr.InvalidRequest("messages must not be empty", nil))
		return
	}

	rc := requestContextFrom(r)

	if req.Stream {
		events, err := s.pipeline.Execute(r.Context(), &req, rc)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-LLMRouter-Request-Id", rc.RequestID)
		if err := stream.WriteEvents(w, events); err != nil {
			log.Printf("stream write error: %v", err)
		}
		return
	}

	resp, err := s.pipeline.ExecuteSync(r.Context(), &req, rc)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-LLMRouter-Provider", resp.ProviderUsed)
	w.Header().Set("X-LLMRouter-Request-Id", rc.RequestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleLegacyCompletions answers the older /v1/completions surface by
// wrapping the prompt in a single user message and delegating to the same
// chat-completion pipeline, then reshaping the response into the legacy
// text-completion envelope.
func (s *Server) handleLegacyCompletions(w http.ResponseWriter, r *http.Request) {
	var legacy struct {
		Model     string   `json:"model"`
		Prompt    string   `json:"prompt"`
		MaxTokens int      `json:"max_tokens"`
		Stop      []string `json:"stop,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&legacy); err != nil {
		writeError(w, gatewayerr.InvalidRequest("invalid request body", err))
		return
	}
	if legacy.Model == "" {
		legacy.Model = "auto"
	}

	req := types.Request{
		Model:     legacy.Model,
		Messages:  []types.Message{{Role: "user", Content: legacy.Prompt}},
		MaxTokens: legacy.MaxTokens,
		Stop:      legacy.Stop,
	}
	rc := requestContextFrom(r)

	resp, err := s.pipeline.ExecuteSync(r.Context(), &req, rc)
	if err != nil {
		writeError(w, err)
		return
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      resp.ID,
		"object":  "text_completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": []map[string]any{
			{"text": text, "index": 0, "finish_reason": "stop"},
		},
		"usage": resp.Usage,
	})
}

// handleEmbeddings is a stub: the gateway's multiplexer and router are
// built around chat completions, so after decoding the body it always
// answers with an InvalidRequest error; no provider is called.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
		Input any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.InvalidRequest("invalid request body", err))
		return
	}
	writeError(w, gatewayerr.InvalidRequest("embeddings are not yet supported by this gateway", nil))
}
