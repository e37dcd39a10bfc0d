// Package faulttolerance implements the Fault Tolerance Manager (C4):
// per-agent heartbeat tracking, a circuit breaker per agent, bounded
// per-task checkpoint rings, and a recovery-action queue that escalates
// unresponsive agents toward restart, redistribution, rollback, or
// permanent failure.
package faulttolerance

import (
	"context"
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// HealthState is an agent's liveness classification, driven purely by
// heartbeat arrival.
type HealthState string

const (
	HealthHealthy      HealthState = "healthy"
	HealthUnresponsive HealthState = "unresponsive"
	HealthFailed       HealthState = "failed"
	HealthRecovering   HealthState = "recovering"
	HealthCircuitOpen  HealthState = "circuit_open"
)

// Performance tracks a rolling summary of an agent's task outcomes.
type Performance struct {
	Completed     uint64
	Failed        uint64
	AvgDurationMs float64
	SuccessRate   float64
	LastUpdated   time.Time
}

// Heartbeat is the liveness record the manager maintains for one agent.
type Heartbeat struct {
	Agent       ids.AgentId
	LastSeen    time.Time
	Health      HealthState
	MissedCount int
	CurrentTask string
	Perf        Performance
}

// CircuitState is the per-agent circuit breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerSnapshot is a read-only view of one agent's breaker state.
type CircuitBreakerSnapshot struct {
	Agent          ids.AgentId
	State          CircuitState
	Failures       int
	LastFailure    time.Time
	LastTransition time.Time
	Requests       uint64
}

// Checkpoint is a single recorded progress point for one task.
type Checkpoint struct {
	ID        string
	Task      string
	Agent     ids.AgentId
	State     []byte
	Progress  float64
	Context   map[string]string
	CreatedAt time.Time
}

// RecoveryActionKind discriminates the RecoveryAction tagged union.
type RecoveryActionKind string

const (
	ActionRestartAgent     RecoveryActionKind = "restart_agent"
	ActionRedistributeTask RecoveryActionKind = "redistribute_task"
	ActionRollbackTask     RecoveryActionKind = "rollback_task"
	ActionMarkAgentFailed  RecoveryActionKind = "mark_agent_failed"
)

// RecoveryAction is one unit of recovery work, queued FIFO and dequeued
// under a capacity semaphore.
type RecoveryAction struct {
	Kind RecoveryActionKind

	// RestartAgent
	Agent   ids.AgentId
	Attempt int

	// RedistributeTask / RollbackTask
	Task string
	From ids.AgentId
	To   ids.AgentId // zero value means "pick a target"

	// RollbackTask
	CheckpointID string

	// MarkAgentFailed
	Reason string

	EnqueuedAt time.Time
}

// RecoveryOutcome records what happened when a RecoveryAction was applied.
type RecoveryOutcome struct {
	Action    RecoveryAction
	Success   bool
	Detail    string
	StartedAt time.Time
	EndedAt   time.Time
}

// TargetPicker selects a Healthy, idle, trust-eligible redistribution
// target for a task when none is explicitly named. It is the manager's
// only point of contact with C2 (trust eligibility) and whatever tracks
// task assignment, kept narrow on purpose.
type TargetPicker func(excluding ids.AgentId) (ids.AgentId, bool)

// AgentInitializer is invoked by a RestartAgent action to bring an agent
// back online. It is the manager's only point of contact with the agent
// runtime itself, which lives outside this core.
type AgentInitializer func(ctx context.Context, agent ids.AgentId) error
