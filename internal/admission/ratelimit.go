// Package admission implements per-tenant admission control: a token-bucket
// rate limiter keyed by billing tier, and a billing ledger with daily and
// monthly rollover.
package admission

import (
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/howard-nolan/llmrouter/internal/admission/policy"
	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
)

// TierLimits are the token-bucket defaults for one billing tier.
type TierLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	BurstAllowance    int
	WindowSize        time.Duration
}

// TierDefaults holds the seeded rate-limit configuration per tier name.
var TierDefaults = map[string]TierLimits{
	"free":       {RequestsPerMinute: 20, TokensPerMinute: 2000, BurstAllowance: 5, WindowSize: 60 * time.Second},
	"pro":        {RequestsPerMinute: 200, TokensPerMinute: 50000, BurstAllowance: 20, WindowSize: 60 * time.Second},
	"enterprise": {RequestsPerMinute: 1000, TokensPerMinute: 500000, BurstAllowance: 100, WindowSize: 60 * time.Second},
}

// priorityMultipliers maps a request's priority value to the burst
// multiplier applied on top of its tier's burst allowance, letting
// priority-elevated services borrow extra headroom without a separate
// tier.
var priorityMultipliers = []struct {
	minPriority int
	multiplier  float64
}{
	{255, 5.0},
	{200, 3.0},
	{180, 2.5},
	{160, 2.0},
}

// PriorityMultiplier returns the burst multiplier for priority, falling
// through the table from highest to lowest threshold and defaulting to 1x.
func PriorityMultiplier(priority int) float64 {
	for _, p := range priorityMultipliers {
		if priority >= p.minPriority {
			return p.multiplier
		}
	}
	return 1.0
}

// bucket is one tenant's live token-bucket state.
type bucket struct {
	mu          sync.Mutex
	requests    int
	tokens      int
	windowStart time.Time
	limits      TierLimits
	multiplier  float64
}

func newBucket(limits TierLimits, multiplier float64) *bucket {
	return &bucket{windowStart: time.Now(), limits: limits, multiplier: multiplier}
}

func (b *bucket) burstCap() int {
	return b.limits.RequestsPerMinute + int(float64(b.limits.BurstAllowance)*b.multiplier)
}

func (b *bucket) resetIfExpired(now time.Time) {
	if now.Sub(b.windowStart) >= b.limits.WindowSize {
		b.requests = 0
		b.tokens = 0
		b.windowStart = now
	}
}

func (b *bucket) canConsume(tokens int) bool {
	return b.requests < b.burstCap() && b.tokens+tokens <= b.limits.TokensPerMinute
}

// Shards bounds how many independent bucket-map shards the limiter keeps.
// Sharding by tenant id via rendezvous hashing lets each shard carry its
// own lock, so contention on one busy tenant never blocks lookups for
// another.
const Shards = 16

// RateLimiter is a per-tenant token-bucket rate limiter keyed by billing
// tier, sharded across a fixed set of in-process maps.
type RateLimiter struct {
	shards   []*shard
	hash     *rendezvous.Rendezvous
	shardIDs []string
	policy   *policy.Policy
}

// SetPolicy installs an optional Lua policy used to override the static
// priority-multiplier table. Pass nil to revert to the static table.
func (rl *RateLimiter) SetPolicy(p *policy.Policy) {
	rl.policy = p
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a RateLimiter with Shards independent bucket maps.
func NewRateLimiter() *RateLimiter {
	shardIDs := make([]string, Shards)
	shards := make([]*shard, Shards)
	for i := range shards {
		shardIDs[i] = string(rune('a' + i))
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	rl := &RateLimiter{shards: shards, shardIDs: shardIDs}
	rl.hash = rendezvous.New(shardIDs, hashString)
	return rl
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (rl *RateLimiter) shardFor(tenantID string) *shard {
	id := rl.hash.Get(tenantID)
	for i, sid := range rl.shardIDs {
		if sid == id {
			return rl.shards[i]
		}
	}
	return rl.shards[0]
}

// Check attempts to admit a request of estTokens tokens for tenantID on
// tier, at the given priority. It returns gatewayerr.RateLimitExceeded when
// the tenant's bucket has no remaining capacity.
func (rl *RateLimiter) Check(tenantID, tier string, priority, estTokens int) error {
	limits, ok := TierDefaults[tier]
	if !ok {
		limits = TierDefaults["free"]
	}
	multiplier := PriorityMultiplier(priority)
	if rl.policy != nil {
		multiplier = rl.policy.Multiplier(priority, multiplier)
	}

	sh := rl.shardFor(tenantID)
	sh.mu.Lock()
	b, ok := sh.buckets[tenantID]
	if !ok {
		b = newBucket(limits, multiplier)
		sh.buckets[tenantID] = b
	}
	sh.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.multiplier = multiplier
	b.resetIfExpired(time.Now())
	if !b.canConsume(estTokens) {
		return gatewayerr.RateLimitExceeded("rate limit exceeded for tenant " + tenantID)
	}
	b.requests++
	b.tokens += estTokens
	return nil
}

// Status is the admission snapshot returned to callers inspecting their
// current standing.
type Status struct {
	Tier                 string
	RequestsUsed         int
	RequestsLimit        int
	TokensUsed           int
	TokensLimit          int
	WindowResetInSeconds int
	BurstAvailable       int
}

// Status returns tenantID's current rate-limit standing without consuming
// any capacity.
func (rl *RateLimiter) Status(tenantID, tier string) Status {
	limits, ok := TierDefaults[tier]
	if !ok {
		limits = TierDefaults["free"]
	}
	sh := rl.shardFor(tenantID)
	sh.mu.Lock()
	b, ok := sh.buckets[tenantID]
	sh.mu.Unlock()
	if !ok {
		return Status{
			Tier: tier, RequestsLimit: limits.RequestsPerMinute, TokensLimit: limits.TokensPerMinute,
			WindowResetInSeconds: int(limits.WindowSize.Seconds()), BurstAvailable: limits.BurstAllowance,
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfExpired(time.Now())
	remaining := time.Until(b.windowStart.Add(limits.WindowSize))
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Tier: tier, RequestsUsed: b.requests, RequestsLimit: limits.RequestsPerMinute,
		TokensUsed: b.tokens, TokensLimit: limits.TokensPerMinute,
		WindowResetInSeconds: int(remaining.Seconds()), BurstAvailable: b.burstCap() - b.requests,
	}
}

// CleanupExpired drops buckets that have been idle well past their window,
// keeping the in-memory maps bounded for long-running processes.
func (rl *RateLimiter) CleanupExpired(maxIdle time.Duration) {
	now := time.Now()
	for _, sh := range rl.shards {
		sh.mu.Lock()
		for id, b := range sh.buckets {
			b.mu.Lock()
			idle := now.Sub(b.windowStart)
			b.mu.Unlock()
			if idle > maxIdle {
				delete(sh.buckets, id)
			}
		}
		sh.mu.Unlock()
	}
}
