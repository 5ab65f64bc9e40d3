package multiplexer

import "github.com/howard-nolan/llmrouter/internal/router"

// budgetTracker approximates "sum of Done.cost + running estimate across
// active drivers" (the running total the coordinator's event loop checks
// against Ceilings.BudgetUSD on every iteration). Token usage isn't known
// for an in-flight driver, so its running cost is estimated from the
// character count streamed so far; once a driver finishes, its exact
// Done.TotalTokens cost replaces the estimate.
//
// A limit of 0 or less means no ceiling is configured, matching the
// zero-means-unset convention Ceilings already uses for MaxLatency and
// MinUsefulTokens.
type budgetTracker struct {
	limit   float64
	active  map[string]float64
	settled float64
}

func newBudgetTracker(limitUSD float64) *budgetTracker {
	return &budgetTracker{limit: limitUSD, active: make(map[string]float64)}
}

// recordToken updates providerID's running cost estimate from the
// characters it has streamed so far (roughly 4 chars/token, the same
// approximation router.EstimateInputTokens uses).
func (b *budgetTracker) recordToken(providerID string, totalChars int) {
	estTokens := float64(totalChars) / 4.0
	b.active[providerID] = router.EstimateCostPer1K(providerID) * estTokens / 1000.0
}

// recordDone replaces providerID's running estimate with its final, exact
// cost and folds it into the settled total.
func (b *budgetTracker) recordDone(providerID string, totalTokens int) {
	delete(b.active, providerID)
	b.settled += router.EstimateCostPer1K(providerID) * float64(totalTokens) / 1000.0
}

// drop discards providerID's running estimate without settling it, for a
// driver that errored or was cancelled before finishing.
func (b *budgetTracker) drop(providerID string) {
	delete(b.active, providerID)
}

// total returns the tracker's current best estimate of spend so far.
func (b *budgetTracker) total() float64 {
	sum := b.settled
	for _, v := range b.active {
		sum += v
	}
	return sum
}

// exceeded reports whether the running total has breached the configured
// limit. Always false when no limit is configured.
func (b *budgetTracker) exceeded() bool {
	return b.limit > 0 && b.total() > b.limit
}
