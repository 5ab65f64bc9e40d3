package admission

import (
	"sync"
	"time"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
)

// BillingTier is the ledger-side tier configuration: daily request, token
// and budget ceilings, a cost multiplier applied to every recorded charge,
// and a priority weight. PriorityWeight is carried on the tier only; no
// other code reads it.
type BillingTier struct {
	Name             string
	RequestsPerDay   int // 0 = unlimited
	TokensPerDay     int // 0 = unlimited
	BudgetPerDayUSD  float64
	CostMultiplier   float64
	PriorityWeight   float64
}

// BillingTiers holds the seeded ledger-side tier configuration, unified
// with the admission-side TierDefaults so one tier name means one thing
// across rate limiting and billing.
var BillingTiers = map[string]BillingTier{
	"free":       {Name: "free", RequestsPerDay: 100, TokensPerDay: 10000, BudgetPerDayUSD: 1.0, CostMultiplier: 1.0, PriorityWeight: 1.0},
	"pro":        {Name: "pro", RequestsPerDay: 10000, TokensPerDay: 1000000, BudgetPerDayUSD: 50.0, CostMultiplier: 0.8, PriorityWeight: 1.5},
	"enterprise": {Name: "enterprise", CostMultiplier: 0.6, PriorityWeight: 2.0}, // zero limits = unlimited
}

// TokenUsage is one recorded request's cost, appended to a tenant's usage
// history.
type TokenUsage struct {
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	ProviderCostUSD float64
	Timestamp       time.Time
}

// tenantLedger is one tenant's mutable billing state.
type tenantLedger struct {
	mu               sync.Mutex
	tier             string
	dailyRequests    int
	dailyTokens      int
	dailySpendUSD    float64
	lastBillingDate  time.Time // date component only
	monthlySpendUSD  float64
	lastBillingMonth time.Time // year+month component only
	totalSpendUSD    float64
	history          []TokenUsage
}

// Ledger is the billing manager: per-tenant daily/monthly spend tracking
// with date and month rollover.
type Ledger struct {
	mu      sync.Mutex
	tenants map[string]*tenantLedger
}

// NewLedger creates an empty billing ledger.
func NewLedger() *Ledger {
	return &Ledger{tenants: make(map[string]*tenantLedger)}
}

func (l *Ledger) getOrCreate(tenantID, tier string) *tenantLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tenantID]
	if !ok {
		now := time.Now()
		t = &tenantLedger{tier: tier, lastBillingDate: dateOnly(now), lastBillingMonth: monthOnly(now)}
		l.tenants[tenantID] = t
	}
	return t
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func monthOnly(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func (t *tenantLedger) rollover(now time.Time) {
	today := dateOnly(now)
	if today.After(t.lastBillingDate) {
		t.dailyRequests = 0
		t.dailyTokens = 0
		t.dailySpendUSD = 0
		t.lastBillingDate = today
	}
	thisMonth := monthOnly(now)
	if thisMonth.After(t.lastBillingMonth) {
		t.monthlySpendUSD = 0
		t.lastBillingMonth = thisMonth
	}
}

// CanMakeRequest reports whether tenantID (on tier) has remaining daily
// request, token, and budget capacity for a request estimated to cost
// estCostUSD and consume estTokens tokens. A zero limit on the tier means
// unlimited for that dimension.
func (l *Ledger) CanMakeRequest(tenantID, tier string, estTokens int, estCostUSD float64) error {
	bt, ok := BillingTiers[tier]
	if !ok {
		bt = BillingTiers["free"]
	}
	t := l.getOrCreate(tenantID, tier)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())

	if bt.RequestsPerDay > 0 && t.dailyRequests >= bt.RequestsPerDay {
		return gatewayerr.BudgetExceeded("daily request limit exceeded")
	}
	if bt.TokensPerDay > 0 && t.dailyTokens+estTokens > bt.TokensPerDay {
		return gatewayerr.BudgetExceeded("daily token limit exceeded")
	}
	if bt.BudgetPerDayUSD > 0 && t.dailySpendUSD+estCostUSD*bt.CostMultiplier > bt.BudgetPerDayUSD {
		return gatewayerr.BudgetExceeded("daily budget exceeded")
	}
	return nil
}

// RecordUsage appends usage to tenantID's history and rolls its daily and
// monthly spend totals forward, applying the tier's cost multiplier.
func (l *Ledger) RecordUsage(tenantID, tier string, usage TokenUsage) {
	bt, ok := BillingTiers[tier]
	if !ok {
		bt = BillingTiers["free"]
	}
	t := l.getOrCreate(tenantID, tier)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())

	cost := usage.ProviderCostUSD * bt.CostMultiplier
	t.dailyRequests++
	t.dailyTokens += usage.TotalTokens
	t.dailySpendUSD += cost
	t.monthlySpendUSD += cost
	t.totalSpendUSD += cost
	t.history = append(t.history, usage)
}

// UsageStats is the read-only summary exposed for tenant usage reporting.
type UsageStats struct {
	TenantID        string
	Tier            string
	DailyRequests   int
	DailyTokens     int
	DailySpendUSD   float64
	MonthlySpendUSD float64
	TotalSpendUSD   float64
}

// UsageStats returns tenantID's current usage summary.
func (l *Ledger) UsageStats(tenantID string) UsageStats {
	l.mu.Lock()
	t, ok := l.tenants[tenantID]
	l.mu.Unlock()
	if !ok {
		return UsageStats{TenantID: tenantID}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return UsageStats{
		TenantID: tenantID, Tier: t.tier, DailyRequests: t.dailyRequests, DailyTokens: t.dailyTokens,
		DailySpendUSD: t.dailySpendUSD, MonthlySpendUSD: t.monthlySpendUSD, TotalSpendUSD: t.totalSpendUSD,
	}
}

// UpdateTier changes tenantID's tier going forward without resetting
// already-accrued spend.
func (l *Ledger) UpdateTier(tenantID, tier string) {
	t := l.getOrCreate(tenantID, tier)
	t.mu.Lock()
	t.tier = tier
	t.mu.Unlock()
}

// AllTenantSummaries returns a snapshot of every known tenant's usage,
// grounding original_source's admin-facing "all users" billing summary.
func (l *Ledger) AllTenantSummaries() []UsageStats {
	l.mu.Lock()
	ids := make([]string, 0, len(l.tenants))
	for id := range l.tenants {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	out := make([]UsageStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.UsageStats(id))
	}
	return out
}
