package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/admission/policy"
)

func TestRateLimiterAllowsWithinBurstCap(t *testing.T) {
	rl := NewRateLimiter()
	err := rl.Check("tenant-a", "free", 0, 100)
	require.NoError(t, err)

	status := rl.Status("tenant-a", "free")
	assert.Equal(t, 1, status.RequestsUsed)
	assert.Equal(t, 100, status.TokensUsed)
	assert.Equal(t, 2000, status.TokensLimit)
}

func TestRateLimiterDeniesOverTokenBudget(t *testing.T) {
	rl := NewRateLimiter()
	// free tier allows 2000 tokens/minute; a single request asking for more
	// than that should be denied outright.
	err := rl.Check("tenant-b", "free", 0, 5000)
	require.Error(t, err)
}

func TestRateLimiterDeniesAfterBurstCapExhausted(t *testing.T) {
	rl := NewRateLimiter()
	limits := TierDefaults["free"]
	burstCap := limits.RequestsPerMinute + limits.BurstAllowance

	for i := 0; i < burstCap; i++ {
		require.NoError(t, rl.Check("tenant-c", "free", 0, 1))
	}
	err := rl.Check("tenant-c", "free", 0, 1)
	assert.Error(t, err, "request beyond the burst cap should be denied")
}

func TestRateLimiterHighPriorityGetsMoreBurst(t *testing.T) {
	rl := NewRateLimiter()
	limits := TierDefaults["free"]
	baseCap := limits.RequestsPerMinute + limits.BurstAllowance

	for i := 0; i < baseCap; i++ {
		require.NoError(t, rl.Check("tenant-d", "free", 255, 1))
	}
	// priority 255 gets a 5x burst multiplier, so this tenant has headroom
	// a default-priority tenant at the same request count would not.
	err := rl.Check("tenant-d", "free", 255, 1)
	assert.NoError(t, err, "priority-elevated tenant should still have burst headroom")
}

func TestRateLimiterUnknownTierFallsBackToFree(t *testing.T) {
	rl := NewRateLimiter()
	status := rl.Status("tenant-e", "not-a-real-tier")
	assert.Equal(t, TierDefaults["free"].TokensPerMinute, status.TokensLimit)
}

func TestRateLimiterPolicyOverridesMultiplier(t *testing.T) {
	rl := NewRateLimiter()
	pol := policy.New()
	require.NoError(t, pol.Load(`
		function multiplier(priority)
			return 10.0
		end
	`))
	rl.SetPolicy(pol)

	limits := TierDefaults["free"]
	// With a 10x multiplier, the tenant should be able to consume far more
	// than the static table's 5x-at-priority-255 ceiling would allow.
	cap := limits.RequestsPerMinute + int(float64(limits.BurstAllowance)*10.0)
	for i := 0; i < cap; i++ {
		require.NoError(t, rl.Check("tenant-f", "free", 0, 1))
	}
	err := rl.Check("tenant-f", "free", 0, 1)
	assert.Error(t, err)
}

func TestPriorityMultiplierThresholds(t *testing.T) {
	assert.Equal(t, 5.0, PriorityMultiplier(255))
	assert.Equal(t, 3.0, PriorityMultiplier(200))
	assert.Equal(t, 2.5, PriorityMultiplier(180))
	assert.Equal(t, 2.0, PriorityMultiplier(160))
	assert.Equal(t, 1.0, PriorityMultiplier(0))
}
