package router

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/router/intent"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// Weights is the (cost, latency, quality, reliability) tuple the scoring
// function weighs a candidate's component scores by. The four weights are
// expected to sum to roughly 1.0, though the router does not enforce it.
type Weights struct {
	Cost        float64
	Latency     float64
	Quality     float64
	Reliability float64
}

// DefaultWeights is used for any intent without a dedicated entry below.
var DefaultWeights = Weights{Cost: 0.3, Latency: 0.4, Quality: 0.2, Reliability: 0.1}

var intentWeights = map[string]Weights{
	"code":        {Cost: 0.2, Latency: 0.5, Quality: 0.2, Reliability: 0.1},
	"tests":       {Cost: 0.3, Latency: 0.4, Quality: 0.2, Reliability: 0.1},
	"analysis":    {Cost: 0.2, Latency: 0.3, Quality: 0.4, Reliability: 0.1},
	"explanation": {Cost: 0.4, Latency: 0.2, Quality: 0.3, Reliability: 0.1},
	"regex":       {Cost: 0.2, Latency: 0.6, Quality: 0.1, Reliability: 0.1},
}

// WeightsForIntent returns the scoring weights configured for intent,
// falling back to DefaultWeights when intent has no dedicated entry.
func WeightsForIntent(intentName string) Weights {
	if w, ok := intentWeights[intentName]; ok {
		return w
	}
	return DefaultWeights
}

// LatencyTargets are the per-intent target latencies L_i (ms). latencyScore
// scores a provider's observed latency relative to the target for the
// request's intent, so the same avg_lat scores differently under a tight
// "code" target than under a looser "analysis" one.
var LatencyTargets = map[string]int{
	"code":        2000,
	"tests":       3000,
	"analysis":    5000,
	"explanation": 3000,
	"regex":       3000,
	"general":     3000,
}

// targetLatencyMS returns L_i for intentName, falling back to the "general"
// target when intentName has no dedicated entry.
func targetLatencyMS(intentName string) float64 {
	if l, ok := LatencyTargets[intentName]; ok {
		return float64(l)
	}
	return float64(LatencyTargets["general"])
}

// preferLocalFor lists intents that should prefer the local (ollama)
// provider when resolving the "auto" model and the provider is configured.
var preferLocalFor = map[string]bool{"code": true, "regex": true, "tests": true}

// cloudProviderOrder is the fixed fallback order used when resolving "auto"
// and no local preference applies, or the local provider is not configured.
var cloudProviderOrder = []string{"openai", "anthropic", "google", "azure", "xai"}

// Candidate is one scored provider ready for the multiplexer to drive.
type Candidate struct {
	ProviderID string
	Score      float64
}

// Router scores and ranks provider candidates using a MetricsStore.
type Router struct {
	metrics    *MetricsStore
	classifier intent.Classifier
	budgets    *UserBudgetStore
}

// New creates a Router over the given metrics store, using classifier to
// assign an intent to a request when the caller doesn't already have one.
func New(metrics *MetricsStore, classifier intent.Classifier) *Router {
	if classifier == nil {
		classifier = intent.NewKeywordClassifier()
	}
	return &Router{metrics: metrics, classifier: classifier, budgets: newUserBudgetStore()}
}

// ClassifyIntent assigns an intent label to req using the router's
// configured classifier.
func (r *Router) ClassifyIntent(req *types.Request) string {
	return r.classifier.Classify(req)
}

// latencyScore scores avgLatencyMS relative to the per-intent target
// latency targetMS. At or under target, the score stays close to 1.0,
// discounted by up to 20% as avg_lat approaches the target; over target, it
// falls off linearly to 0 at twice the target.
func latencyScore(avgLatencyMS, targetMS float64) float64 {
	if targetMS <= 0 {
		targetMS = 1
	}
	if avgLatencyMS <= targetMS {
		return 1.0 - min(1.0, avgLatencyMS/targetMS)*0.2
	}
	s := 1.0 - (avgLatencyMS-targetMS)/targetMS
	if s < 0 {
		return 0
	}
	return s
}

// costScore converts a raw cost-per-1k-tokens reading into a 0..1 score
// where cheaper scores higher, clamped so nothing above $0.10/1k tokens
// scores negative.
func costScore(costPer1K float64) float64 {
	s := 1.0 - min(1.0, costPer1K/0.1)
	if s < 0 {
		return 0
	}
	return s
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// loadPenalty discounts a provider's score as its current load approaches
// saturation: a fully idle provider (load 0) gets no penalty; a fully
// loaded one (load 1) is scored at 80% of its raw score.
func loadPenalty(currentLoad float64) float64 {
	return 1 - 0.2*currentLoad
}

// Score computes the weighted, load-penalized score for one provider under
// the given intent weights and the target latency for intentName.
// Reliability combines success rate and availability, since a flaky
// provider and an unreachable one should both lose ground here.
func (r *Router) Score(providerID string, w Weights, intentName string) float64 {
	m := r.metrics.Get(providerID)
	raw := costScore(m.CostPer1KTokens)*w.Cost +
		latencyScore(m.AvgLatencyMS, targetLatencyMS(intentName))*w.Latency +
		m.QualityScore*w.Quality +
		m.SuccessRate*m.Availability*w.Reliability
	return raw * loadPenalty(m.CurrentLoad)
}

// UpdateOutcome folds a completed request's observed outcome back into the
// router's metrics store, so future scoring reflects live behavior rather
// than only the cold-start defaults.
func (r *Router) UpdateOutcome(providerID string, obs Observation) {
	r.metrics.Update(providerID, obs)
}

// healthTTLExcluded reports whether providerID should be excluded from
// selection because its cached health probe reported unhealthy.
func (r *Router) healthTTLExcluded(providerID string) bool {
	return !r.metrics.Get(providerID).Healthy
}

// SelectCandidates scores every provider in pool under the weights for
// intentName, excludes unhealthy ones, and returns the top k by score,
// descending.
func (r *Router) SelectCandidates(pool []string, intentName string, k int) []Candidate {
	w := WeightsForIntent(intentName)
	var scored []Candidate
	for _, p := range pool {
		if r.healthTTLExcluded(p) {
			continue
		}
		scored = append(scored, Candidate{ProviderID: p, Score: r.Score(p, w, intentName)})
	}
	slices.SortStableFunc(scored, func(a, b Candidate) bool { return a.Score > b.Score })
	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// SelectCandidatesForTenant behaves like SelectCandidates, but additionally
// enforces the tenant's remaining per-user budget: when the top-scored
// candidate's estimated cost exceeds what's left, selection is forced down
// to the cheapest healthy candidate instead; when even that exceeds the
// remaining budget, it returns gatewayerr.BudgetExceeded. A tenant with no
// budget configured is unaffected.
func (r *Router) SelectCandidatesForTenant(pool []string, intentName string, k int, tenantID string, estOutputTokens int) ([]Candidate, error) {
	scored := r.SelectCandidates(pool, intentName, k)
	if len(scored) == 0 {
		return scored, nil
	}
	remaining, ok := r.budgets.Remaining(tenantID)
	if !ok {
		return scored, nil
	}
	topCost := EstimateCostPer1K(scored[0].ProviderID) * float64(estOutputTokens) / 1000.0
	if topCost <= remaining {
		return scored, nil
	}
	cheapest := scored[0]
	for _, c := range scored[1:] {
		if EstimateCostPer1K(c.ProviderID) < EstimateCostPer1K(cheapest.ProviderID) {
			cheapest = c
		}
	}
	cheapestCost := EstimateCostPer1K(cheapest.ProviderID) * float64(estOutputTokens) / 1000.0
	if cheapestCost > remaining {
		return nil, gatewayerr.BudgetExceeded(fmt.Sprintf("remaining budget $%.4f for tenant %s is below the cheapest candidate's estimated cost $%.4f", remaining, tenantID, cheapestCost))
	}
	return []Candidate{cheapest}, nil
}

// SetUserBudget sets the remaining USD budget for tenantID. A tenant never
// configured here has no per-user budget ceiling.
func (r *Router) SetUserBudget(tenantID string, remainingUSD float64) {
	r.budgets.Set(tenantID, remainingUSD)
}

// ChargeUserBudget deducts costUSD from tenantID's remaining budget, if one
// is configured.
func (r *Router) ChargeUserBudget(tenantID string, costUSD float64) {
	r.budgets.Charge(tenantID, costUSD)
}

// ResolveAutoModel picks the provider pool to use when the caller asked for
// model "auto": local providers first for intents that prefer them (if
// present in available), then the fixed cloud provider order filtered to
// what's actually configured in available. Health is not checked here;
// SelectCandidates excludes unhealthy providers afterwards.
func ResolveAutoModel(intentName string, available map[string]bool) []string {
	var pool []string
	if preferLocalFor[intentName] && available["ollama"] {
		pool = append(pool, "ollama")
	}
	for _, p := range cloudProviderOrder {
		if available[p] {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		pool = maps.Keys(available)
	}
	return pool
}

// costPerToken is the per-provider pricing table (USD per 1k tokens) used
// to estimate request cost ahead of a call, before real usage is known.
var costPerToken = map[string]float64{
	"ollama": 0.0, "openai": 0.03, "anthropic": 0.015, "google": 0.00125,
	"azure": 0.03, "xai": 0.0, "bedrock": 0.015,
}

// EstimateCostPer1K returns the configured price for providerID, or a
// conservative default for an unrecognized one.
func EstimateCostPer1K(providerID string) float64 {
	if c, ok := costPerToken[providerID]; ok {
		return c
	}
	return 0.02
}

// EstimateInputTokens approximates token count from character count, a
// quick and conservative stand-in used before a real tokenizer runs.
func EstimateInputTokens(messages []types.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, p := range m.Parts {
			chars += len(p.Text)
		}
	}
	return chars / 4
}

// EstimateTotalCost sums the expected cost across selected candidates: the
// winner is costed at its full estimated output, and every other candidate
// run speculatively alongside it is costed at 20% of its output (reflecting
// early cancellation once the winner is elected).
func EstimateTotalCost(selected []Candidate, estOutputTokens int) float64 {
	var total float64
	for i, c := range selected {
		cost := EstimateCostPer1K(c.ProviderID) * float64(estOutputTokens) / 1000.0
		if i > 0 {
			cost *= 0.2
		}
		total += cost
	}
	return total
}

// EstimateResponseLatency returns the lowest avg-latency-ms among the
// selected candidates, since the multiplexer commits to the first useful
// stream.
func (r *Router) EstimateResponseLatency(selected []Candidate) float64 {
	best := -1.0
	for _, c := range selected {
		lat := r.metrics.Get(c.ProviderID).AvgLatencyMS
		if best < 0 || lat < best {
			best = lat
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// ConfidenceScore averages reliability across the selected candidates and
// adds a small diversity bonus when more than one candidate was selected.
func (r *Router) ConfidenceScore(selected []Candidate) float64 {
	if len(selected) == 0 {
		return 0
	}
	var sum float64
	for _, c := range selected {
		sum += r.metrics.Get(c.ProviderID).SuccessRate
	}
	avg := sum / float64(len(selected))
	if len(selected) > 1 {
		avg += 0.1
	}
	if avg > 1 {
		avg = 1
	}
	return avg
}
