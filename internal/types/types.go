// Package types holds the gateway's wire and domain model: chat requests and
// responses, the routing directive embedded in a request, provider metrics,
// cached responses, stream events, and sessions. Every other package builds
// on these types rather than defining its own request/response shapes.
package types

import "time"

// Message is one turn in a chat completion request.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ContentPart is one piece of a multi-part message (text or an image
// reference), mirroring the OpenAI content-array convention.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolSpec describes a function tool a model may call.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a model-emitted call to one of the request's tools.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OmenConfig is the optional per-request routing directive. A nil OmenConfig
// means "route automatically with defaults"; a present one may pin a
// strategy, a candidate list, or override the budget/deadline ceilings.
type OmenConfig struct {
	Strategy        string             `json:"strategy,omitempty"`
	K               int                `json:"k,omitempty"`
	Providers       []string           `json:"providers,omitempty"`
	BudgetUSD       float64            `json:"budget_usd,omitempty"`
	MaxLatencyMS    int                `json:"max_latency_ms,omitempty"`
	Stickiness      string             `json:"stickiness,omitempty"`
	PriorityWeights map[string]float32 `json:"priority_weights,omitempty"`
	MinUsefulTokens int                `json:"min_useful_tokens,omitempty"`
}

// Defaults for an OmenConfig field left unset by the caller.
const (
	DefaultBudgetUSD       = 0.10
	DefaultMaxLatencyMS    = 3000
	DefaultMinUsefulTokens = 5
	DefaultStickiness      = "turn"
)

// WithDefaults returns a copy of cfg (or a zero-value OmenConfig if cfg is
// nil) with every unset field filled from the package defaults.
func (cfg *OmenConfig) WithDefaults() OmenConfig {
	var out OmenConfig
	if cfg != nil {
		out = *cfg
	}
	if out.BudgetUSD == 0 {
		out.BudgetUSD = DefaultBudgetUSD
	}
	if out.MaxLatencyMS == 0 {
		out.MaxLatencyMS = DefaultMaxLatencyMS
	}
	if out.MinUsefulTokens == 0 {
		out.MinUsefulTokens = DefaultMinUsefulTokens
	}
	if out.Stickiness == "" {
		out.Stickiness = DefaultStickiness
	}
	return out
}

// Request is the expanded chat completion request accepted at
// /v1/chat/completions.
type Request struct {
	Model            string      `json:"model"`
	Messages         []Message   `json:"messages"`
	Temperature      *float64    `json:"temperature,omitempty"`
	MaxTokens        int         `json:"max_tokens,omitempty"`
	Stream           bool        `json:"stream,omitempty"`
	TopP             *float64    `json:"top_p,omitempty"`
	FrequencyPenalty *float64    `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64    `json:"presence_penalty,omitempty"`
	Stop             []string    `json:"stop,omitempty"`
	Tools            []ToolSpec  `json:"tools,omitempty"`
	ToolChoice       any         `json:"tool_choice,omitempty"`
	Tags             []string    `json:"tags,omitempty"`
	Omen             *OmenConfig `json:"omen,omitempty"`
}

// RequestContext carries the per-request identity and classification data
// threaded through admission, routing, and billing.
type RequestContext struct {
	RequestID   string
	TenantID    string
	APIKey      string
	Intent      string
	Tags        []string
	Priority    int
	BillingTier string
	Started     time.Time
}

// Tier returns the tenant's billing tier, defaulting to "free" when unset.
func (rc *RequestContext) Tier() string {
	if rc.BillingTier == "" {
		return "free"
	}
	return rc.BillingTier
}

// StartedAt returns when the request began, defaulting to now if the
// caller never stamped it (guards against a zero-value elapsed-time blowup).
func (rc *RequestContext) StartedAt() time.Time {
	if rc.Started.IsZero() {
		return time.Now()
	}
	return rc.Started
}

// Usage is token accounting for a completed (or partially completed) call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is the expanded chat completion response.
type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	ProviderUsed      string   `json:"-"`
	CostUSD           float64  `json:"-"`
}

// StreamEvent is one event emitted by a provider driver or the multiplexer
// coordinator while a streamed completion is in flight.
type StreamEvent struct {
	Type         StreamEventType
	ProviderID   string
	Delta        string
	LatencyMS    int64
	Err          error
	TotalTokens  int
	CostUSD      float64
	FromProvider string
	ToProvider   string
	Reason       string
	FinishReason string
	Usage        *Usage
}

type StreamEventType string

const (
	StreamEventToken   StreamEventType = "token"
	StreamEventError   StreamEventType = "error"
	StreamEventDone    StreamEventType = "done"
	StreamEventUpgrade StreamEventType = "upgrade"
)

// ProviderMetrics is the adaptive router's rolling view of one provider's
// observed behavior, updated via exponential moving average.
type ProviderMetrics struct {
	AvgLatencyMS    float64
	SuccessRate     float64
	CostPer1KTokens float64
	QualityScore    float64
	CurrentLoad     float64
	Availability    float64
	Healthy         bool
	LastCheckedAt   time.Time
}

// CachedResponse is a response-cache entry, including the hit-count bumped
// on every successful lookup.
type CachedResponse struct {
	Response      Response  `json:"response"`
	ProviderUsed  string    `json:"provider_used"`
	CostUSD       float64   `json:"cost_usd"`
	CachedAt      time.Time `json:"cached_at"`
	CacheHitCount int64     `json:"cache_hit_count"`
}

// Session is a sticky-routing affinity record keyed by session id.
type Session struct {
	SessionID      string    `json:"session_id"`
	Service        string    `json:"service"`
	TenantID       string    `json:"tenant_id"`
	LastProvider   string    `json:"last_provider"`
	LastActivity   time.Time `json:"last_activity"`
	RequestCount   int64     `json:"request_count"`
	TotalCostUSD   float64   `json:"total_cost_usd"`
}

// ProviderHealth is a cached health probe result for one provider.
type ProviderHealth struct {
	ProviderID   string    `json:"provider_id"`
	Healthy      bool      `json:"healthy"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseMS   int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Model describes one model listed at /v1/models.
type Model struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Created       int64  `json:"created"`
	OwnedBy       string `json:"owned_by"`
	Provider      string `json:"provider"`
	ContextLength int    `json:"context_length"`
}

// ApiKeyInfo is the contract an external auth collaborator is expected to
// resolve an API key into. The gateway only consumes this shape; issuing
// and validating keys is out of scope.
type ApiKeyInfo struct {
	TenantID string
	Tier     string
	Priority int
}
