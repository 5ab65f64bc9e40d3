// Package multiplexer fans a single logical request across one or more
// provider streams and elects a winner. It implements four strategies —
// Single, Race(k), SpeculateK(k, delay), and ParallelMerge(k) (which falls
// back to Race) — all built on the same useful-token election and
// at-most-one mid-stream upgrade machinery.
package multiplexer

import (
	"strings"
	"time"
)

// StrategyKind names one of the four multiplexing strategies.
type StrategyKind string

const (
	StrategySingle        StrategyKind = "single"
	StrategyRace          StrategyKind = "race"
	StrategySpeculateK    StrategyKind = "speculate_k"
	StrategyParallelMerge StrategyKind = "parallel_merge"
)

// Strategy is the resolved multiplexing directive for one request.
type Strategy struct {
	Kind  StrategyKind
	K     int
	Delay time.Duration
}

// defaultSpeculativeDelay is used by SpeculateK when the caller's omen
// config doesn't specify one.
const defaultSpeculativeDelay = 150 * time.Millisecond

// DefaultStrategy is used when a request carries no omen directive at all:
// race the top 2 candidates and commit to whichever produces a useful
// token first.
var DefaultStrategy = Strategy{Kind: StrategyRace, K: 2}

// FromOmenName parses the strategy name from an omen config's "strategy"
// field (plus its k, case-insensitively) into a Strategy. An unrecognized
// or empty name returns DefaultStrategy.
func FromOmenName(name string, k int) Strategy {
	if k <= 0 {
		k = 2
	}
	switch strings.ToLower(name) {
	case "single":
		return Strategy{Kind: StrategySingle, K: 1}
	case "race":
		return Strategy{Kind: StrategyRace, K: k}
	case "speculate_k":
		return Strategy{Kind: StrategySpeculateK, K: k, Delay: defaultSpeculativeDelay}
	case "parallel_merge":
		// ParallelMerge has no distinct execution path of its own — it
		// falls back to Race, same candidate count.
		return Strategy{Kind: StrategyRace, K: k}
	default:
		return DefaultStrategy
	}
}
