// Package recovery implements the Recovery Strategy Dispatcher (C5): a
// pluggable, cost-ranked set of strategies invoked when fault tolerance
// signals a local failure it cannot resolve on its own.
package recovery

import (
	"context"
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// FailureKind classifies the error a recovery request carries, which
// determines which strategies even consider matching it.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureStorage   FailureKind = "storage"
	FailureTimeout   FailureKind = "timeout"
	FailureResource  FailureKind = "resource_exhaustion"
	FailureAgent     FailureKind = "agent_fault"
	FailureUnknown   FailureKind = "unknown"
)

// Failure is one recovery request. Retry, when non-nil, is the narrow seam
// a strategy may call to re-attempt the operation that originally failed;
// the backoff strategy, which only waits before a retry, is judged
// successful by whether this call now succeeds. Checkpoint restore does not
// call it.
type Failure struct {
	Kind  FailureKind
	Err   error
	Task  string
	Agent ids.AgentId
	Now   time.Time
	Retry func(ctx context.Context) error
}

// Outcome is what a Strategy reports after attempting recovery.
type Outcome struct {
	Success bool
	// Confidence in [0,1]. The dispatcher stops trying further strategies
	// once a Success outcome exceeds 0.5.
	Confidence float64
	Detail     string
	// NoFurtherAttempts tells the dispatcher this failure is not
	// recoverable by any remaining strategy; stop immediately rather than
	// trying the next-cheapest one.
	NoFurtherAttempts bool
}

// Strategy is one pluggable recovery mechanism.
type Strategy interface {
	Name() string
	// Match reports whether this strategy should be considered for f.
	Match(f Failure) bool
	// Cost estimates the expense of attempting this strategy, in [0,1].
	// The dispatcher tries lower-cost strategies first.
	Cost() float64
	Recover(ctx context.Context, f Failure) Outcome
}

// HistoryEntry records one dispatch attempt for the bounded history ring.
type HistoryEntry struct {
	Failure   Failure
	Strategy  string
	Outcome   Outcome
	StartedAt time.Time
	EndedAt   time.Time
}
