// Package cache is the Redis-backed response, session, and provider-health
// cache. Keys are deterministic fingerprints of (tenant, model, temperature,
// messages); every TTL, including the silent-miss-on-failure semantics, is
// seeded to match the gateway's configured defaults.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"github.com/howard-nolan/llmrouter/internal/types"
)

// TTLs are the gateway's cache lifetimes, matching spec.md's bucket list.
type TTLs struct {
	DefaultSeconds        int
	ResponseCacheSeconds  int
	SessionCacheSeconds   int
	RateLimitSeconds      int
	ProviderHealthSeconds int
	MaxCacheSizeMB        int
}

// DefaultTTLs are the gateway's seeded cache lifetimes.
var DefaultTTLs = TTLs{
	DefaultSeconds:        3600,
	ResponseCacheSeconds:  1800,
	SessionCacheSeconds:   7200,
	RateLimitSeconds:      60,
	ProviderHealthSeconds: 300,
	MaxCacheSizeMB:        1024,
}

// Cache wraps a Redis client with the gateway's key scheme and TTLs. Every
// read returns nil on a cache miss or a Redis-level failure alike —
// a cache outage degrades to "always miss," never to a request failure.
type Cache struct {
	rdb  *redis.Client
	ttls TTLs
	hits atomic.Int64
	miss atomic.Int64
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, ttls TTLs) *Cache {
	return &Cache{rdb: rdb, ttls: ttls}
}

// ---------------------------------------------------------------------------
// Response cache
// ---------------------------------------------------------------------------

// ResponseCacheKey fingerprints (tenantID, model, temperature, messages)
// into the deterministic key used for response-cache lookups.
func ResponseCacheKey(tenantID, model string, temperature float64, messages []types.Message) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", tenantID, model, floatBits(temperature))
	for _, m := range messages {
		fmt.Fprintf(h, "|%s|%s", m.Role, m.Content)
		for _, p := range m.Parts {
			fmt.Fprintf(h, "|%s", p.Text)
			if p.ImageURL != nil {
				fmt.Fprintf(h, "|%s", p.ImageURL.URL)
			}
		}
	}
	return fmt.Sprintf("resp:%s:%x", tenantID, h.Sum64())
}

func floatBits(f float64) uint64 {
	if f == 0 {
		f = 0.7
	}
	return uint64(f * 1e9)
}

// GetResponse returns a cached response and bumps its hit counter, or nil
// on a miss (including a Redis-level error, which is treated as a miss).
func (c *Cache) GetResponse(ctx context.Context, key string) *types.CachedResponse {
	raw, err := c.rdb.Get(ctx, "response:"+key).Result()
	if err != nil {
		c.miss.Inc()
		return nil
	}
	var cr types.CachedResponse
	if err := json.Unmarshal([]byte(raw), &cr); err != nil {
		c.miss.Inc()
		return nil
	}
	c.hits.Inc()
	cr.CacheHitCount++
	if updated, err := json.Marshal(cr); err == nil {
		c.rdb.Set(ctx, "response:"+key, updated, redis.KeepTTL)
	}
	return &cr
}

// PutResponse stores a response-cache entry under the gateway's configured
// response TTL. Failures are swallowed: caching is a performance
// optimization, never a correctness requirement.
func (c *Cache) PutResponse(ctx context.Context, key string, cr types.CachedResponse) {
	cr.CachedAt = time.Now()
	data, err := json.Marshal(cr)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, "response:"+key, data, time.Duration(c.ttls.ResponseCacheSeconds)*time.Second)
}

// ---------------------------------------------------------------------------
// Session cache (stickiness)
// ---------------------------------------------------------------------------

// SessionCacheKey returns the deterministic key for a session id.
func SessionCacheKey(sessionID string) string {
	return "session:" + sessionID
}

// GetSession returns the cached session record for sessionID, or nil.
func (c *Cache) GetSession(ctx context.Context, sessionID string) *types.Session {
	raw, err := c.rdb.Get(ctx, SessionCacheKey(sessionID)).Result()
	if err != nil {
		return nil
	}
	var s types.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	return &s
}

// PutSession stores sess under the gateway's configured session TTL.
func (c *Cache) PutSession(ctx context.Context, sess types.Session) {
	sess.LastActivity = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, SessionCacheKey(sess.SessionID), data, time.Duration(c.ttls.SessionCacheSeconds)*time.Second)
}

// ---------------------------------------------------------------------------
// Provider health cache
// ---------------------------------------------------------------------------

func healthKey(providerID string) string { return "health:" + providerID }

// GetProviderHealth returns the cached health probe for providerID, or nil
// if nothing is cached (or the TTL lapsed).
func (c *Cache) GetProviderHealth(ctx context.Context, providerID string) *types.ProviderHealth {
	raw, err := c.rdb.Get(ctx, healthKey(providerID)).Result()
	if err != nil {
		return nil
	}
	var h types.ProviderHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil
	}
	return &h
}

// PutProviderHealth stores a health probe result under the gateway's
// configured provider-health TTL.
func (c *Cache) PutProviderHealth(ctx context.Context, h types.ProviderHealth) {
	h.LastChecked = time.Now()
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, healthKey(h.ProviderID), data, time.Duration(c.ttls.ProviderHealthSeconds)*time.Second)
}

// ---------------------------------------------------------------------------
// Rate-limit usage (a secondary, cache-backed view for cross-instance
// reporting; the admission package's in-process buckets remain the source
// of truth for admission decisions)
// ---------------------------------------------------------------------------

// RateLimitKey returns the windowed key for a tenant's rate-limit usage,
// bucketed by the given window type ("minute", "hour", or "day").
func RateLimitKey(tenantID, windowType string) string {
	now := time.Now().UTC()
	var windowID string
	switch windowType {
	case "hour":
		windowID = now.Format("2006010215")
	case "day":
		windowID = now.Format("20060102")
	default:
		windowID = now.Format("200601021504")
	}
	return fmt.Sprintf("rate:%s:%s:%s", tenantID, windowType, windowID)
}

// IncrementRateLimitUsage atomically increments the windowed counter,
// setting the configured rate-limit TTL only the first time the key is
// created so the window expires on schedule.
func (c *Cache) IncrementRateLimitUsage(ctx context.Context, tenantID, windowType string) int64 {
	key := RateLimitKey(tenantID, windowType)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0
	}
	if n == 1 {
		c.rdb.Expire(ctx, key, time.Duration(c.ttls.RateLimitSeconds)*time.Second)
	}
	return n
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is the cache's observability snapshot, parsed from Redis's INFO
// output plus this process's own hit/miss counters.
type Stats struct {
	MemoryUsedBytes  int64
	MemoryPeakBytes  int64
	HitRate          float64
	TotalHits        int64
	TotalMisses      int64
}

// GetStats reads Redis's INFO output for memory usage and combines it with
// this process's hit/miss counters.
func (c *Cache) GetStats(ctx context.Context) (Stats, error) {
	info, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis info: %w", err)
	}
	memUsed := extractStat(info, "used_memory:")
	memPeak := extractStat(info, "used_memory_peak:")

	hits := c.hits.Load()
	misses := c.miss.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		MemoryUsedBytes: memUsed,
		MemoryPeakBytes: memPeak,
		HitRate:         hitRate,
		TotalHits:       hits,
		TotalMisses:     misses,
	}, nil
}

func extractStat(info, prefix string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			v := strings.TrimPrefix(line, prefix)
			n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return n
		}
	}
	return 0
}

// Clear deletes every key matching pattern (e.g. "response:*").
func (c *Cache) Clear(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
