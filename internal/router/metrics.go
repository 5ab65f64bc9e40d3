// Package router implements adaptive provider selection: it keeps a rolling
// metrics view per provider, scores candidates against per-intent weights,
// and returns a ranked candidate list for the multiplexer to drive.
package router

import (
	"sync"

	"github.com/howard-nolan/llmrouter/internal/types"
)

// emaAlpha is the smoothing factor applied to every metric update. A new
// observation contributes 10% of the new EMA value; the prior estimate
// carries the remaining 90%.
const emaAlpha = 0.10

// MetricsStore holds the adaptive router's per-provider rolling metrics. It
// is safe for concurrent use: every request path reads scores while
// in-flight requests concurrently report their outcome back.
type MetricsStore struct {
	mu      sync.RWMutex
	metrics map[string]types.ProviderMetrics
}

// NewMetricsStore creates a store seeded with the default metrics for every
// known provider identifier.
func NewMetricsStore() *MetricsStore {
	s := &MetricsStore{metrics: make(map[string]types.ProviderMetrics)}
	for name, m := range defaultMetrics {
		s.metrics[name] = m
	}
	return s
}

// defaultMetrics seeds a cold-start estimate per provider so the router has
// something reasonable to score against before any real traffic lands.
var defaultMetrics = map[string]types.ProviderMetrics{
	"ollama": {
		AvgLatencyMS: 800, SuccessRate: 0.97, CostPer1KTokens: 0.0,
		QualityScore: 0.70, CurrentLoad: 0.3, Availability: 0.95, Healthy: true,
	},
	"openai": {
		AvgLatencyMS: 1200, SuccessRate: 0.99, CostPer1KTokens: 0.03,
		QualityScore: 0.92, CurrentLoad: 0.4, Availability: 0.999, Healthy: true,
	},
	"anthropic": {
		AvgLatencyMS: 1400, SuccessRate: 0.99, CostPer1KTokens: 0.015,
		QualityScore: 0.93, CurrentLoad: 0.4, Availability: 0.999, Healthy: true,
	},
	"google": {
		AvgLatencyMS: 900, SuccessRate: 0.98, CostPer1KTokens: 0.00125,
		QualityScore: 0.88, CurrentLoad: 0.3, Availability: 0.995, Healthy: true,
	},
	"azure": {
		AvgLatencyMS: 1100, SuccessRate: 0.99, CostPer1KTokens: 0.03,
		QualityScore: 0.92, CurrentLoad: 0.4, Availability: 0.999, Healthy: true,
	},
	"xai": {
		AvgLatencyMS: 1300, SuccessRate: 0.97, CostPer1KTokens: 0.0,
		QualityScore: 0.85, CurrentLoad: 0.3, Availability: 0.99, Healthy: true,
	},
	"bedrock": {
		AvgLatencyMS: 1500, SuccessRate: 0.98, CostPer1KTokens: 0.015,
		QualityScore: 0.90, CurrentLoad: 0.4, Availability: 0.995, Healthy: true,
	},
}

// Get returns the current metrics for providerID, falling back to a
// conservative default if nothing has been recorded for it yet.
func (s *MetricsStore) Get(providerID string) types.ProviderMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.metrics[providerID]; ok {
		return m
	}
	return types.ProviderMetrics{
		AvgLatencyMS: 1000, SuccessRate: 0.95, CostPer1KTokens: 0.01,
		QualityScore: 0.80, CurrentLoad: 0.5, Availability: 0.99, Healthy: true,
	}
}

// SetHealth records a provider health-probe outcome.
func (s *MetricsStore) SetHealth(providerID string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics[providerID]
	m.Healthy = healthy
	s.metrics[providerID] = m
}

// Observation is one completed request's outcome, fed back into the EMA.
type Observation struct {
	LatencyMS    float64
	Success      bool
	CostPer1K    float64
	QualityScore float64
}

// Update folds a new observation into providerID's rolling metrics using
// the package's EMA smoothing factor.
func (s *MetricsStore) Update(providerID string, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[providerID]
	if !ok {
		m = types.ProviderMetrics{
			AvgLatencyMS: obs.LatencyMS, SuccessRate: 0.95, CostPer1KTokens: obs.CostPer1K,
			QualityScore: obs.QualityScore, CurrentLoad: 0.5, Availability: 0.99, Healthy: true,
		}
	}

	m.AvgLatencyMS = ema(m.AvgLatencyMS, obs.LatencyMS)
	successObs := 0.0
	if obs.Success {
		successObs = 1.0
	}
	m.SuccessRate = ema(m.SuccessRate, successObs)
	if obs.CostPer1K > 0 {
		m.CostPer1KTokens = ema(m.CostPer1KTokens, obs.CostPer1K)
	}
	if obs.QualityScore > 0 {
		m.QualityScore = ema(m.QualityScore, obs.QualityScore)
	}

	s.metrics[providerID] = m
}

// SetLoad overwrites a provider's current in-flight load estimate (0..1).
func (s *MetricsStore) SetLoad(providerID string, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics[providerID]
	m.CurrentLoad = load
	s.metrics[providerID] = m
}

func ema(prev, next float64) float64 {
	return next*emaAlpha + prev*(1-emaAlpha)
}
