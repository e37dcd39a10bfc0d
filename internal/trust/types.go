// Package trust implements the Trust Store (C1) and Trust Manager (C2) of
// spec.md §4.1-4.2: a durable, transactional per-agent score ledger plus the
// in-memory evaluation logic that turns task/promise/verification outcomes
// into score deltas.
package trust

import (
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// Score is the mutable per-agent trust record of spec.md §3. Value and
// Confidence are always clamped to [0,1]; Interactions is monotonically
// non-decreasing.
type Score struct {
	Agent        ids.AgentId
	Value        float64
	Confidence   float64
	Interactions uint64
	LastUpdated  time.Time
}

// ReasonKind enumerates why a trust score changed.
type ReasonKind string

const (
	ReasonTaskSuccess      ReasonKind = "task_success"
	ReasonTaskFailure      ReasonKind = "task_failure"
	ReasonPromiseKept      ReasonKind = "promise_kept"
	ReasonPromiseBroken    ReasonKind = "promise_broken"
	ReasonVerificationPass ReasonKind = "verification_pass"
	ReasonVerificationFail ReasonKind = "verification_fail"
	ReasonManualAdjustment ReasonKind = "manual_adjustment"
	ReasonPermanentFailure ReasonKind = "permanent_failure"
)

// Reason is the tagged reason carried by every TrustUpdate. Text is only
// populated when Kind == ReasonManualAdjustment, matching spec.md's
// "ManualAdjustment(text)" variant.
type Reason struct {
	Kind ReasonKind
	Text string
}

// Update is an immutable, append-only record of a single score change.
type Update struct {
	Agent         ids.AgentId
	PreviousScore Score
	CurrentScore  Score
	Reason        Reason
	Timestamp     time.Time
}

// Event is what callers feed into the Manager to trigger a score update; it
// is the union of TaskSuccess/TaskFailure/PromiseKept/... plus the delta a
// ManualAdjustment carries.
type Event struct {
	Agent          ids.AgentId
	Reason         Reason
	ManualDelta    float64 // only consulted when Reason.Kind == ReasonManualAdjustment
	Now            time.Time
}

// neutralScore is the value assigned to an agent observed for the first
// time: maximally uncertain (confidence 0), moderately trusted (0.5).
func neutralScore(agent ids.AgentId, now time.Time) Score {
	return Score{Agent: agent, Value: 0.5, Confidence: 0, Interactions: 0, LastUpdated: now}
}
