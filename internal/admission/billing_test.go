package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCanMakeRequestWithinFreeTierLimits(t *testing.T) {
	l := NewLedger()
	err := l.CanMakeRequest("tenant-a", "free", 500, 0.05)
	assert.NoError(t, err)
}

func TestLedgerDeniesOverDailyTokenLimit(t *testing.T) {
	l := NewLedger()
	err := l.CanMakeRequest("tenant-b", "free", 20000, 0.01)
	assert.Error(t, err)
}

func TestLedgerDeniesOverDailyBudget(t *testing.T) {
	l := NewLedger()
	err := l.CanMakeRequest("tenant-c", "free", 10, 5.0)
	assert.Error(t, err)
}

func TestLedgerDeniesOverDailyRequestCount(t *testing.T) {
	l := NewLedger()
	for i := 0; i < BillingTiers["free"].RequestsPerDay; i++ {
		l.RecordUsage("tenant-d", "free", TokenUsage{TotalTokens: 1, ProviderCostUSD: 0.0001})
	}
	err := l.CanMakeRequest("tenant-d", "free", 1, 0.0001)
	assert.Error(t, err)
}

func TestLedgerRecordUsageAppliesCostMultiplier(t *testing.T) {
	l := NewLedger()
	l.RecordUsage("tenant-e", "pro", TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, ProviderCostUSD: 1.0})

	stats := l.UsageStats("tenant-e")
	assert.Equal(t, 1, stats.DailyRequests)
	assert.Equal(t, 150, stats.DailyTokens)
	// pro tier's CostMultiplier is 0.8, so a $1.00 provider cost books as $0.80.
	assert.InDelta(t, 0.8, stats.DailySpendUSD, 0.0001)
	assert.InDelta(t, 0.8, stats.MonthlySpendUSD, 0.0001)
	assert.InDelta(t, 0.8, stats.TotalSpendUSD, 0.0001)
}

func TestLedgerEnterpriseTierIsUnlimited(t *testing.T) {
	l := NewLedger()
	err := l.CanMakeRequest("tenant-f", "enterprise", 10_000_000, 10_000.0)
	assert.NoError(t, err, "zero-valued limits on the enterprise tier mean unlimited")
}

func TestLedgerUnknownTierFallsBackToFree(t *testing.T) {
	l := NewLedger()
	err := l.CanMakeRequest("tenant-g", "not-a-real-tier", 20000, 0.01)
	assert.Error(t, err, "unknown tier should fall back to free's limits, not bypass them")
}

func TestLedgerUpdateTierPreservesAccruedSpend(t *testing.T) {
	l := NewLedger()
	l.RecordUsage("tenant-h", "free", TokenUsage{TotalTokens: 100, ProviderCostUSD: 0.5})
	l.UpdateTier("tenant-h", "pro")

	stats := l.UsageStats("tenant-h")
	assert.Equal(t, "pro", stats.Tier)
	assert.InDelta(t, 0.5, stats.TotalSpendUSD, 0.0001, "tier change should not reset already-accrued spend")
}

func TestLedgerUsageStatsForUnknownTenant(t *testing.T) {
	l := NewLedger()
	stats := l.UsageStats("never-seen")
	assert.Equal(t, "never-seen", stats.TenantID)
	assert.Equal(t, 0, stats.DailyRequests)
}

func TestLedgerAllTenantSummaries(t *testing.T) {
	l := NewLedger()
	l.RecordUsage("tenant-i", "free", TokenUsage{TotalTokens: 10, ProviderCostUSD: 0.01})
	l.RecordUsage("tenant-j", "pro", TokenUsage{TotalTokens: 20, ProviderCostUSD: 0.02})

	summaries := l.AllTenantSummaries()
	require.Len(t, summaries, 2)

	byID := make(map[string]UsageStats, len(summaries))
	for _, s := range summaries {
		byID[s.TenantID] = s
	}
	assert.Equal(t, "free", byID["tenant-i"].Tier)
	assert.Equal(t, "pro", byID["tenant-j"].Tier)
}
