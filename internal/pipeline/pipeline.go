// Package pipeline wires the gateway's request lifecycle together:
// admission control, response-cache lookup, adaptive routing, multiplexed
// provider dispatch, metrics/billing feedback, and cache population. It is
// the one place that calls every other internal package in sequence, so
// the HTTP handlers stay thin.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/admission/policy"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/multiplexer"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// Pipeline holds every collaborator a request passes through, end to end.
type Pipeline struct {
	Providers   map[string]provider.Provider
	Router      *router.Router
	Coordinator *multiplexer.Coordinator
	RateLimiter *admission.RateLimiter
	Ledger      *admission.Ledger
	Cache       *cache.Cache
	Metrics     *metrics.Registry // nil-safe: every use is guarded
}

// New wires a Pipeline from its collaborators. metricsReg may be nil when
// the caller doesn't want Prometheus instrumentation (e.g. in tests).
func New(providers map[string]provider.Provider, r *router.Router, coord *multiplexer.Coordinator, rl *admission.RateLimiter, ledger *admission.Ledger, c *cache.Cache, metricsReg *metrics.Registry) *Pipeline {
	return &Pipeline{
		Providers: providers, Router: r, Coordinator: coord,
		RateLimiter: rl, Ledger: ledger, Cache: c, Metrics: metricsReg,
	}
}

// SetPolicy installs an optional Lua admission policy, overriding the
// static priority-multiplier table.
func (p *Pipeline) SetPolicy(pol *policy.Policy) {
	p.RateLimiter.SetPolicy(pol)
}

func temperatureOf(req *types.Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return 0.7
}

// admit runs admission control (rate limiting, then daily billing ceiling)
// ahead of any provider call. estTokens is the conservative pre-call token
// estimate; the real count is recorded after the call completes.
func (p *Pipeline) admit(rc *types.RequestContext, estTokens int, estCostUSD float64) error {
	if err := p.RateLimiter.Check(rc.TenantID, rc.Tier(), rc.Priority, estTokens); err != nil {
		if p.Metrics != nil {
			p.Metrics.RateLimitDenials.WithLabelValues(rc.Tier()).Inc()
		}
		return err
	}
	return p.Ledger.CanMakeRequest(rc.TenantID, rc.Tier(), estTokens, estCostUSD)
}

// candidatePool resolves the provider IDs eligible to serve req: an
// explicit omen.providers list wins outright; otherwise "auto" (or an
// empty model) defers to the adaptive router; anything else is treated as
// a provider id pinned directly by the caller.
func (p *Pipeline) candidatePool(req *types.Request, intentName string, omen types.OmenConfig) ([]string, error) {
	if len(omen.Providers) > 0 {
		var pool []string
		for _, id := range omen.Providers {
			if _, ok := p.Providers[id]; ok {
				pool = append(pool, id)
			}
		}
		if len(pool) == 0 {
			return nil, gatewayerr.ProviderUnavailable("none of the requested providers are configured", nil)
		}
		return pool, nil
	}

	if req.Model == "" || req.Model == "auto" {
		available := make(map[string]bool, len(p.Providers))
		for id := range p.Providers {
			available[id] = true
		}
		pool := router.ResolveAutoModel(intentName, available)
		if len(pool) == 0 {
			return nil, gatewayerr.ProviderUnavailable("no healthy providers configured", nil)
		}
		return pool, nil
	}

	if _, ok := p.Providers[req.Model]; !ok {
		return nil, gatewayerr.ModelNotFound(req.Model)
	}
	return []string{req.Model}, nil
}

// preferSticky moves the tenant's last-used provider (per cached session
// affinity) to the front of pool, when stickiness is requested and that
// provider is still in the pool.
func (p *Pipeline) preferSticky(pool []string, rc *types.RequestContext, stickiness string) []string {
	if stickiness == "none" || p.Cache == nil {
		return pool
	}
	sess := p.Cache.GetSession(context.Background(), rc.TenantID)
	if sess == nil || sess.LastProvider == "" {
		return pool
	}
	reordered := make([]string, 0, len(pool))
	reordered = append(reordered, sess.LastProvider)
	for _, id := range pool {
		if id != sess.LastProvider {
			reordered = append(reordered, id)
		}
	}
	var out []string
	seen := map[string]bool{}
	for _, id := range reordered {
		if !seen[id] {
			for _, want := range pool {
				if want == id {
					out = append(out, id)
					seen[id] = true
					break
				}
			}
		}
	}
	return out
}

// Execute runs the full pipeline for req and returns a channel of
// StreamEvents — a replayed Token and Done on a response-cache hit, the
// result of one direct ChatCompletion call against the top candidate for
// a non-streaming request, or the multiplexer coordinator's output for a
// streaming one. The channel is always closed when the request is fully
// resolved.
func (p *Pipeline) Execute(ctx context.Context, req *types.Request, rc *types.RequestContext) (<-chan types.StreamEvent, error) {
	if rc.Intent == "" {
		rc.Intent = p.Router.ClassifyIntent(req)
	}

	estInputTokens := router.EstimateInputTokens(req.Messages)
	estOutputTokens := req.MaxTokens
	if estOutputTokens <= 0 {
		estOutputTokens = 256
	}
	estTotalTokens := estInputTokens + estOutputTokens

	omen := req.Omen.WithDefaults()
	estCost := router.EstimateCostPer1K("openai") * float64(estTotalTokens) / 1000.0

	if err := p.admit(rc, estTotalTokens, estCost); err != nil {
		return nil, err
	}

	cacheKey := ""
	if p.Cache != nil {
		cacheKey = cache.ResponseCacheKey(rc.TenantID, req.Model, temperatureOf(req), req.Messages)
		if cached := p.Cache.GetResponse(ctx, cacheKey); cached != nil {
			if p.Metrics != nil {
				p.Metrics.CacheHits.Inc()
			}
			return replayFromCache(cached), nil
		}
		if p.Metrics != nil {
			p.Metrics.CacheMisses.Inc()
		}
	}

	pool, err := p.candidatePool(req, rc.Intent, omen)
	if err != nil {
		return nil, err
	}
	pool = p.preferSticky(pool, rc, omen.Stickiness)

	k := omen.K
	if k <= 0 {
		k = 2
	}
	candidates, err := p.Router.SelectCandidatesForTenant(pool, rc.Intent, k, rc.TenantID, estOutputTokens)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, gatewayerr.ProviderUnavailable("no healthy candidates for intent "+rc.Intent, nil)
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ProviderID
		if p.Metrics != nil {
			p.Metrics.RouterScore.WithLabelValues(c.ProviderID).Observe(c.Score)
		}
	}
	ids = p.preferSticky(ids, rc, omen.Stickiness)

	commitStart := time.Now()

	// Non-streaming requests issue a single direct call against the top
	// candidate; only streaming requests get handed to the multiplexer,
	// which is the only place "racing" multiple providers makes sense.
	if !req.Stream {
		internal, err := p.runNonStreaming(ctx, req, ids[0])
		if err != nil {
			return nil, err
		}
		out := make(chan types.StreamEvent)
		go p.observe(req, rc, cacheKey, commitStart, multiplexer.StrategySingle, internal, out)
		return out, nil
	}

	strategy := multiplexer.FromOmenName(omen.Strategy, k)
	ceilings := multiplexer.Ceilings{
		BudgetUSD:       omen.BudgetUSD,
		MaxLatency:      time.Duration(omen.MaxLatencyMS) * time.Millisecond,
		MinUsefulTokens: omen.MinUsefulTokens,
	}

	internal, err := p.Coordinator.Run(ctx, req, ids, strategy, ceilings)
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamEvent)
	go p.observe(req, rc, cacheKey, commitStart, strategy.Kind, internal, out)
	return out, nil
}

// runNonStreaming calls provider.ChatCompletion directly against
// providerID — the single-call path spec'd for stream: false requests —
// and synthesizes the same two-event (Token, Done) shape the multiplexer
// and replayFromCache both produce, so observe can treat every dispatch
// path uniformly.
func (p *Pipeline) runNonStreaming(ctx context.Context, req *types.Request, providerID string) (<-chan types.StreamEvent, error) {
	prov, ok := p.Providers[providerID]
	if !ok {
		return nil, gatewayerr.ProviderUnavailable(providerID, nil)
	}

	out := make(chan types.StreamEvent, 2)
	resp, err := prov.ChatCompletion(ctx, provider.FromRequest(req))
	if err != nil {
		out <- types.StreamEvent{Type: types.StreamEventError, ProviderID: providerID, Err: gatewayerr.ProviderError(providerID, err)}
		close(out)
		return out, nil
	}

	usage := types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	costUSD := router.EstimateCostPer1K(providerID) * float64(usage.TotalTokens) / 1000.0

	out <- types.StreamEvent{Type: types.StreamEventToken, ProviderID: providerID, Delta: resp.Content}
	out <- types.StreamEvent{
		Type: types.StreamEventDone, ProviderID: providerID,
		TotalTokens: usage.TotalTokens, CostUSD: costUSD, Usage: &usage, FinishReason: "stop",
	}
	close(out)
	return out, nil
}

// observe drains the coordinator's internal event stream, forwards every
// event to the caller-facing channel, and on a terminal Done event folds
// the outcome back into the router's metrics, the billing ledger, the
// session-affinity cache, and the response cache.
func (p *Pipeline) observe(req *types.Request, rc *types.RequestContext, cacheKey string, commitStart time.Time, strategyKind multiplexer.StrategyKind, internal <-chan types.StreamEvent, out chan<- types.StreamEvent) {
	defer close(out)

	var content string
	var winner string
	var usage *types.Usage
	commitRecorded := false

	for ev := range internal {
		if !commitRecorded && (ev.Type == types.StreamEventToken || ev.Type == types.StreamEventDone) {
			commitRecorded = true
			if p.Metrics != nil {
				p.Metrics.MultiplexerCommitMS.WithLabelValues(string(strategyKind)).Observe(float64(time.Since(commitStart).Milliseconds()))
			}
		}
		if ev.Type == types.StreamEventUpgrade && p.Metrics != nil {
			p.Metrics.MultiplexerUpgrades.Inc()
		}

		out <- ev

		switch ev.Type {
		case types.StreamEventToken:
			winner = ev.ProviderID
			content += ev.Delta
		case types.StreamEventUpgrade:
			winner = ev.ToProvider
		case types.StreamEventDone:
			winner = ev.ProviderID
			content += ev.Delta
			usage = ev.Usage
			p.finish(req, rc, cacheKey, winner, content, usage, true)
		case types.StreamEventError:
			if p.Metrics != nil && ev.ProviderID != "" {
				p.Metrics.ProviderErrors.WithLabelValues(ev.ProviderID).Inc()
			}
			if ev.ProviderID != "" {
				p.Router.UpdateOutcome(ev.ProviderID, router.Observation{Success: false})
			}
		}
	}
}

// finish records a successfully completed request's outcome: EMA metrics,
// billing ledger entry, session affinity, and response-cache population.
func (p *Pipeline) finish(req *types.Request, rc *types.RequestContext, cacheKey, providerID, content string, usage *types.Usage, success bool) {
	latencyMS := float64(time.Since(rc.StartedAt()).Milliseconds())
	costPer1K := router.EstimateCostPer1K(providerID)

	totalTokens := 0
	if usage != nil {
		totalTokens = usage.TotalTokens
	}
	costUSD := costPer1K * float64(totalTokens) / 1000.0

	p.Router.UpdateOutcome(providerID, router.Observation{
		LatencyMS: latencyMS, Success: success, CostPer1K: costPer1K, QualityScore: 0,
	})
	p.Router.ChargeUserBudget(rc.TenantID, costUSD)

	if usage != nil {
		p.Ledger.RecordUsage(rc.TenantID, rc.Tier(), admission.TokenUsage{
			InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens,
			TotalTokens: usage.TotalTokens, ProviderCostUSD: costUSD, Timestamp: time.Now(),
		})
	}

	if p.Cache != nil {
		p.Cache.PutSession(context.Background(), types.Session{
			SessionID: rc.TenantID, TenantID: rc.TenantID, LastProvider: providerID,
			RequestCount: 1, TotalCostUSD: costUSD,
		})
		if cacheKey != "" && usage != nil {
			p.Cache.PutResponse(context.Background(), cacheKey, types.CachedResponse{
				Response: types.Response{
					ID: rc.RequestID, Object: "chat.completion", Model: req.Model,
					Choices: []types.Choice{{Index: 0, Message: types.Message{Role: "assistant", Content: content}, FinishReason: "stop"}},
					Usage:   *usage,
				},
				ProviderUsed: providerID, CostUSD: costUSD,
			})
		}
	}
}

// replayFromCache turns a cached response into the same StreamEvent shape
// a live request would produce: one token carrying the full content,
// followed by a Done event carrying the cached usage.
func replayFromCache(cached *types.CachedResponse) <-chan types.StreamEvent {
	out := make(chan types.StreamEvent, 2)
	content := ""
	if len(cached.Response.Choices) > 0 {
		content = cached.Response.Choices[0].Message.Content
	}
	out <- types.StreamEvent{Type: types.StreamEventToken, ProviderID: cached.ProviderUsed, Delta: content}
	usage := cached.Response.Usage
	out <- types.StreamEvent{
		Type: types.StreamEventDone, ProviderID: cached.ProviderUsed,
		TotalTokens: usage.TotalTokens, CostUSD: cached.CostUSD, Usage: &usage, FinishReason: "stop",
	}
	close(out)
	return out
}

// ExecuteSync runs Execute and drains the resulting stream into a single
// non-streaming Response, for callers that set stream: false.
func (p *Pipeline) ExecuteSync(ctx context.Context, req *types.Request, rc *types.RequestContext) (*types.Response, error) {
	events, err := p.Execute(ctx, req, rc)
	if err != nil {
		return nil, err
	}

	var content string
	var providerUsed string
	var usage types.Usage
	var costUSD float64

	for ev := range events {
		switch ev.Type {
		case types.StreamEventToken:
			content += ev.Delta
			providerUsed = ev.ProviderID
		case types.StreamEventUpgrade:
			providerUsed = ev.ToProvider
		case types.StreamEventDone:
			content += ev.Delta
			providerUsed = ev.ProviderID
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			costUSD = ev.CostUSD
		case types.StreamEventError:
			return nil, ev.Err
		}
	}

	return &types.Response{
		ID:      rc.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{{
			Index: 0, Message: types.Message{Role: "assistant", Content: content}, FinishReason: "stop",
		}},
		Usage:        usage,
		ProviderUsed: providerUsed,
		CostUSD:      costUSD,
	}, nil
}

// sortedProviderIDs returns the ids of a provider registry in sorted
// order.
func sortedProviderIDs(providers map[string]provider.Provider) []string {
	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
