package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/types"
)

func TestWeightsForIntentFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultWeights, WeightsForIntent("unknown-intent"))
	assert.Equal(t, intentWeights["code"], WeightsForIntent("code"))
}

func TestMetricsUpdateEMASmoothing(t *testing.T) {
	s := NewMetricsStore()
	before := s.Get("openai")

	s.Update("openai", Observation{LatencyMS: 2000, Success: true, CostPer1K: 0.03, QualityScore: 0.9})
	after := s.Get("openai")

	want := before.AvgLatencyMS*0.9 + 2000*0.1
	assert.InDelta(t, want, after.AvgLatencyMS, 0.001)
	assert.Greater(t, after.AvgLatencyMS, before.AvgLatencyMS, "a single slow observation should pull the EMA up, not replace it outright")
}

func TestMetricsUpdateSuccessRateDecaysOnFailure(t *testing.T) {
	s := NewMetricsStore()
	before := s.Get("anthropic")

	s.Update("anthropic", Observation{LatencyMS: 1000, Success: false})
	after := s.Get("anthropic")

	assert.Less(t, after.SuccessRate, before.SuccessRate)
}

func TestScoreHigherForCheaperFasterProvider(t *testing.T) {
	s := NewMetricsStore()
	r := New(s, nil)
	w := DefaultWeights

	// google's defaults (cheap, low latency) should outscore azure's
	// (expensive, higher latency) under the same weights.
	assert.Greater(t, r.Score("google", w, "general"), r.Score("azure", w, "general"))
}

func TestLatencyScoreUsesPerIntentTarget(t *testing.T) {
	// The same observed latency scores lower against a tight target than a
	// loose one, so L_i actually changes candidate ranking by intent.
	assert.Greater(t, latencyScore(2500, 5000), latencyScore(2500, 2000))
}

func TestScoreRewardsHigherAvailabilityAtEqualSuccessRate(t *testing.T) {
	hi := types.ProviderMetrics{
		AvgLatencyMS: 1000, SuccessRate: 0.99, CostPer1KTokens: 0.01,
		QualityScore: 0.9, CurrentLoad: 0.3, Availability: 0.999, Healthy: true,
	}
	lo := hi
	lo.Availability = 0.5

	s := NewMetricsStore()
	s.metrics["hi"] = hi
	s.metrics["lo"] = lo
	r := New(s, nil)
	assert.Greater(t, r.Score("hi", DefaultWeights, "general"), r.Score("lo", DefaultWeights, "general"))
}

func TestSelectCandidatesForTenantForcesCheapestWhenOverBudget(t *testing.T) {
	s := NewMetricsStore()
	// openai: low latency, excellent quality/reliability, but priced at
	// $0.03/1k -- scores highest despite being the pricier of the two.
	s.metrics["openai"] = types.ProviderMetrics{
		AvgLatencyMS: 100, SuccessRate: 0.999, CostPer1KTokens: 0.03,
		QualityScore: 0.99, CurrentLoad: 0.0, Availability: 0.999, Healthy: true,
	}
	// google: priced at $0.00125/1k, the cheapest of the two, but scores
	// lower on every other factor.
	s.metrics["google"] = types.ProviderMetrics{
		AvgLatencyMS: 2900, SuccessRate: 0.8, CostPer1KTokens: 0.00125,
		QualityScore: 0.3, CurrentLoad: 0.8, Availability: 0.8, Healthy: true,
	}
	r := New(s, nil)
	r.SetUserBudget("tenant-a", 0.01) // below openai's estimated cost, above google's

	candidates, err := r.SelectCandidatesForTenant([]string{"openai", "google"}, "general", 2, "tenant-a", 1000)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "google", candidates[0].ProviderID, "google is the cheaper of the two and fits the remaining budget")
}

func TestSelectCandidatesForTenantBlocksWhenEvenCheapestExceedsBudget(t *testing.T) {
	s := NewMetricsStore()
	r := New(s, nil)
	r.SetUserBudget("tenant-b", 0.0)

	_, err := r.SelectCandidatesForTenant([]string{"openai", "anthropic"}, "general", 2, "tenant-b", 1000)
	require.Error(t, err)
	assert.Equal(t, gatewayerr.KindBudgetExceeded, gatewayerr.As(err).Kind)
}

func TestSelectCandidatesForTenantPassesThroughWithNoBudgetConfigured(t *testing.T) {
	s := NewMetricsStore()
	r := New(s, nil)

	candidates, err := r.SelectCandidatesForTenant([]string{"openai", "anthropic"}, "general", 2, "tenant-unconfigured", 1000)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestSelectCandidatesExcludesUnhealthyProviders(t *testing.T) {
	s := NewMetricsStore()
	s.SetHealth("openai", false)
	r := New(s, nil)

	candidates := r.SelectCandidates([]string{"openai", "anthropic", "google"}, "general", 0)
	for _, c := range candidates {
		assert.NotEqual(t, "openai", c.ProviderID)
	}
	assert.Len(t, candidates, 2)
}

func TestSelectCandidatesOrdersDescendingAndRespectsK(t *testing.T) {
	s := NewMetricsStore()
	r := New(s, nil)

	candidates := r.SelectCandidates([]string{"openai", "anthropic", "google", "azure", "xai"}, "general", 2)
	require.Len(t, candidates, 2)
	assert.GreaterOrEqual(t, candidates[0].Score, candidates[1].Score)
}

func TestResolveAutoModelPrefersLocalForCodeIntent(t *testing.T) {
	available := map[string]bool{"ollama": true, "openai": true, "anthropic": true}
	pool := ResolveAutoModel("code", available)
	require.NotEmpty(t, pool)
	assert.Equal(t, "ollama", pool[0])
}

func TestResolveAutoModelFallsBackToCloudOrderWhenNoLocalPreference(t *testing.T) {
	available := map[string]bool{"ollama": true, "openai": true, "anthropic": true}
	pool := ResolveAutoModel("analysis", available)
	require.NotEmpty(t, pool)
	assert.Equal(t, "openai", pool[0], "analysis has no local preference, so the cloud order should lead")
}

func TestResolveAutoModelFallsBackToAvailableKeysWhenNothingMatchesKnownOrder(t *testing.T) {
	available := map[string]bool{"bedrock": true}
	pool := ResolveAutoModel("code", available)
	assert.ElementsMatch(t, []string{"bedrock"}, pool)
}

func TestEstimateTotalCostDiscountsSpeculativeCandidates(t *testing.T) {
	selected := []Candidate{{ProviderID: "openai"}, {ProviderID: "anthropic"}}
	total := EstimateTotalCost(selected, 1000)

	winnerCost := EstimateCostPer1K("openai") * 1000 / 1000.0
	loserCost := EstimateCostPer1K("anthropic") * 1000 / 1000.0 * 0.2
	assert.InDelta(t, winnerCost+loserCost, total, 0.0001)
}

func TestEstimateInputTokensApproximatesFromCharCount(t *testing.T) {
	msgs := []types.Message{
		{Role: "user", Content: "12345678"},
		{Role: "user", Parts: []types.ContentPart{{Type: "text", Text: "1234"}}},
	}
	assert.Equal(t, 3, EstimateInputTokens(msgs))
}
