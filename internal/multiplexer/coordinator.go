package multiplexer

import (
	"context"
	"time"

	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// eventBufferSize matches the bounded channel the reference implementation
// gives each driver — large enough that a fast provider never blocks on a
// coordinator that's momentarily busy evaluating another candidate's event.
const eventBufferSize = 100

// Ceilings bounds how long and how much a multiplexed request may cost
// before the coordinator cuts its losses.
type Ceilings struct {
	BudgetUSD       float64
	MaxLatency      time.Duration
	MinUsefulTokens int
}

// Coordinator drives one or more providers concurrently for a single
// logical request and elects a winning stream under the configured
// strategy.
type Coordinator struct {
	Providers map[string]provider.Provider
}

// New creates a Coordinator over the given provider registry.
func New(providers map[string]provider.Provider) *Coordinator {
	return &Coordinator{Providers: providers}
}

// Run starts the request against candidates under strategy and returns a
// channel of StreamEvents: tokens from the elected winner, at most one
// Upgrade event, and a terminal Done or Error event. The returned channel
// is closed when the request is fully resolved.
func (c *Coordinator) Run(ctx context.Context, req *types.Request, candidates []string, strategy Strategy, ceilings Ceilings) (<-chan types.StreamEvent, error) {
	if len(candidates) == 0 {
		return nil, gatewayerr.ProviderUnavailable("none", nil)
	}
	if ceilings.MinUsefulTokens <= 0 {
		ceilings.MinUsefulTokens = types.DefaultMinUsefulTokens
	}

	out := make(chan types.StreamEvent)
	providerReq := provider.FromRequest(req)

	switch strategy.Kind {
	case StrategySingle:
		go c.runSingle(ctx, providerReq, candidates[0], ceilings, out)
	case StrategySpeculateK:
		go c.runSpeculateK(ctx, providerReq, candidates, strategy, ceilings, out)
	default: // Race and ParallelMerge (which falls back to Race)
		k := strategy.K
		if k <= 0 || k > len(candidates) {
			k = len(candidates)
		}
		go c.runRace(ctx, providerReq, candidates[:k], ceilings, out)
	}

	return out, nil
}

// runSingle drives exactly one provider with no election logic, but still
// tracks running cost against ceilings.BudgetUSD and cancels with
// BudgetExceeded on breach, same as the multi-candidate strategies.
func (c *Coordinator) runSingle(ctx context.Context, req *provider.ChatRequest, providerID string, ceilings Ceilings, out chan<- types.StreamEvent) {
	defer close(out)

	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(ceilings.MaxLatency))
	defer cancel()

	p, ok := c.Providers[providerID]
	if !ok {
		out <- types.StreamEvent{Type: types.StreamEventError, ProviderID: providerID, Err: gatewayerr.ProviderUnavailable(providerID, nil)}
		return
	}

	internal := make(chan types.StreamEvent, eventBufferSize)
	go driveProvider(runCtx, p, req, providerID, internal)

	budget := newBudgetTracker(ceilings.BudgetUSD)
	charsSeen := 0

	for {
		select {
		case ev := <-internal:
			switch ev.Type {
			case types.StreamEventToken:
				charsSeen += len(ev.Delta)
				budget.recordToken(providerID, charsSeen)
				if budget.exceeded() {
					cancel()
					forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.BudgetExceeded("budget ceiling exceeded mid-stream")})
					return
				}
				forward(out, ev)
			case types.StreamEventDone:
				budget.recordDone(providerID, ev.TotalTokens)
				forward(out, ev)
				return
			default: // Error
				budget.drop(providerID)
				forward(out, ev)
				return
			}
		case <-runCtx.Done():
			forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.Timeout("deadline exceeded")})
			return
		}
	}
}

// runRace spawns one driver per candidate into a shared internal channel
// and elects a winner on the first useful token (or the first Done, for
// responses too short to ever cross the useful-token threshold). Losing
// drivers are cancelled as soon as a winner is elected.
func (c *Coordinator) runRace(ctx context.Context, req *provider.ChatRequest, candidates []string, ceilings Ceilings, out chan<- types.StreamEvent) {
	defer close(out)

	deadline := time.Now().Add(effectiveTimeout(ceilings.MaxLatency))
	deadlineCtx, cancelDeadline := context.WithDeadline(ctx, deadline)
	defer cancelDeadline()

	// Each candidate gets its own cancellable context so electing a
	// winner can cancel every loser without also tearing down the
	// winner's own in-flight request.
	cancels := make(map[string]context.CancelFunc, len(candidates))
	internal := make(chan types.StreamEvent, eventBufferSize)
	for _, id := range candidates {
		p, ok := c.Providers[id]
		if !ok {
			continue
		}
		driverCtx, cancel := context.WithCancel(deadlineCtx)
		cancels[id] = cancel
		go driveProvider(driverCtx, p, req, id, internal)
	}
	cancelLosers := func(winner string) {
		for id, cancel := range cancels {
			if id != winner {
				cancel()
			}
		}
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	var winner string
	remaining := len(cancels)
	budget := newBudgetTracker(ceilings.BudgetUSD)
	charsSeen := make(map[string]int, len(candidates))

	for remaining > 0 {
		select {
		case ev := <-internal:
			switch ev.Type {
			case types.StreamEventError:
				budget.drop(ev.ProviderID)
				remaining--
				if remaining == 0 && winner == "" {
					forward(out, ev)
					return
				}
			case types.StreamEventToken:
				charsSeen[ev.ProviderID] += len(ev.Delta)
				budget.recordToken(ev.ProviderID, charsSeen[ev.ProviderID])
				if budget.exceeded() {
					for _, cancel := range cancels {
						cancel()
					}
					forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.BudgetExceeded("budget ceiling exceeded mid-race")})
					return
				}
				if winner == "" {
					if isUsefulToken(ev.Delta, ceilings.MinUsefulTokens) {
						winner = ev.ProviderID
						cancelLosers(winner)
						forward(out, ev)
						forwardWinnerStream(internal, out, winner)
						return
					}
					continue
				}
			case types.StreamEventDone:
				budget.recordDone(ev.ProviderID, ev.TotalTokens)
				if winner == "" {
					winner = ev.ProviderID
					forward(out, ev)
					return
				}
				if ev.ProviderID == winner {
					forward(out, ev)
					return
				}
			}
		case <-deadlineCtx.Done():
			forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.Timeout("deadline exceeded before a useful token arrived")})
			return
		}
	}
}

// forwardWinnerStream keeps reading from internal (which every driver,
// including the now-cancelled losers, still writes to until they notice
// cancellation) but only forwards events from the elected provider, until
// that provider's stream terminates.
func forwardWinnerStream(internal <-chan types.StreamEvent, out chan<- types.StreamEvent, winner string) {
	for ev := range internal {
		if ev.ProviderID != winner {
			continue
		}
		forward(out, ev)
		if ev.Type == types.StreamEventDone || ev.Type == types.StreamEventError {
			return
		}
	}
}

// runSpeculateK starts the first candidate immediately and, after delay,
// starts up to k-1 more. The first candidate streams to the caller as soon
// as it produces any token; at most one mid-stream upgrade may occur if a
// later candidate produces an upgrade-worthy token while the current
// provider hasn't finished.
func (c *Coordinator) runSpeculateK(ctx context.Context, req *provider.ChatRequest, candidates []string, strategy Strategy, ceilings Ceilings, out chan<- types.StreamEvent) {
	defer close(out)

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, effectiveTimeout(ceilings.MaxLatency))
	defer cancelDeadline()

	k := strategy.K
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	cancels := make(map[string]context.CancelFunc, k)
	internal := make(chan types.StreamEvent, eventBufferSize)

	spawn := func(id string) {
		p, ok := c.Providers[id]
		if !ok {
			return
		}
		driverCtx, cancel := context.WithCancel(deadlineCtx)
		cancels[id] = cancel
		go driveProvider(driverCtx, p, req, id, internal)
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	primary := candidates[0]
	spawn(primary)

	delayTimer := time.NewTimer(strategy.Delay)
	defer delayTimer.Stop()
	speculativeStarted := false

	current := primary
	canUpgrade := true
	upgraded := false
	budget := newBudgetTracker(ceilings.BudgetUSD)
	charsSeen := make(map[string]int, k)

	for {
		select {
		case <-delayTimer.C:
			if speculativeStarted || k < 2 {
				continue
			}
			speculativeStarted = true
			for _, id := range candidates[1:k] {
				spawn(id)
			}

		case ev := <-internal:
			switch ev.Type {
			case types.StreamEventError:
				budget.drop(ev.ProviderID)
				if ev.ProviderID == current {
					forward(out, ev)
					return
				}
				// A speculative candidate failing doesn't affect the
				// stream already in flight.
			case types.StreamEventToken:
				charsSeen[ev.ProviderID] += len(ev.Delta)
				budget.recordToken(ev.ProviderID, charsSeen[ev.ProviderID])
				if budget.exceeded() {
					for _, cancel := range cancels {
						cancel()
					}
					forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.BudgetExceeded("budget ceiling exceeded mid-stream")})
					return
				}
				if ev.ProviderID == current {
					forward(out, ev)
					continue
				}
				if canUpgrade && !upgraded && shouldUpgrade(ev.Delta) {
					forward(out, types.StreamEvent{
						Type: types.StreamEventUpgrade, FromProvider: current,
						ToProvider: ev.ProviderID, Reason: "upgrade-worthy token observed",
					})
					if cancel, ok := cancels[current]; ok {
						cancel()
					}
					current = ev.ProviderID
					upgraded = true
					canUpgrade = false
					forward(out, ev)
				}
			case types.StreamEventDone:
				budget.recordDone(ev.ProviderID, ev.TotalTokens)
				if ev.ProviderID == current {
					forward(out, ev)
					return
				}
			}

		case <-deadlineCtx.Done():
			forward(out, types.StreamEvent{Type: types.StreamEventError, Err: gatewayerr.Timeout("deadline exceeded")})
			return
		}
	}
}

func forward(out chan<- types.StreamEvent, ev types.StreamEvent) {
	out <- ev
}

func effectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Duration(types.DefaultMaxLatencyMS) * time.Millisecond
	}
	return d
}
