package faulttolerance

import (
	"context"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

var (
	healthTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_ft_health_transitions_total",
		Help: "Total heartbeat-driven health transitions, by resulting state",
	}, []string{"state"})

	recoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_ft_recovery_actions_total",
		Help: "Total recovery actions applied, by kind and outcome",
	}, []string{"kind", "outcome"})

	circuitOpenGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmcore_ft_circuit_open",
		Help: "1 if the agent's circuit breaker is Open, 0 otherwise",
	}, []string{"agent"})
)

// Manager is the Fault Tolerance Manager (C4): it owns Heartbeats,
// CircuitBreakers, and per-task Checkpoint rings exclusively, and drives
// the recovery queue that C5 escalates from on sustained failure.
type Manager struct {
	clock  clockutil.Clock
	logger *zap.Logger
	cfg    Config

	hb          *heartbeats
	breakers    *circuitBreakers
	checkpoints *checkpointStore
	queue       *recoveryQueue

	trustMgr  *trust.Manager
	picker    TargetPicker
	initAgent AgentInitializer

	agentsMu sync.RWMutex
	agents   []ids.AgentId

	sem chan struct{} // recovery queue concurrency gate

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Manager. trustMgr may be nil (PermanentFailure updates
// are then skipped); picker and initAgent may be nil (RedistributeTask and
// RestartAgent then fail fast with a structured outcome instead of
// panicking on a missing collaborator).
func New(clock clockutil.Clock, logger *zap.Logger, trustMgr *trust.Manager, picker TargetPicker, initAgent AgentInitializer, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
		hb:          newHeartbeats(cfg.ShardCount),
		breakers:    newCircuitBreakers(clock, cfg),
		checkpoints: newCheckpointStore(clock, cfg.MaxCheckpoints),
		queue:       newRecoveryQueue(),
		trustMgr:    trustMgr,
		picker:      picker,
		initAgent:   initAgent,
		sem:         make(chan struct{}, cfg.RecoveryQueueCapacity),
	}
}

// Start spawns the heartbeat scan loop, the checkpoint sweep loop, and the
// recovery worker pool (bounded to Config.RecoveryQueueCapacity concurrent
// actions). Callers must call Close to stop them.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)

	m.wg.Add(1)
	go m.sweepLoop(ctx)

	for i := 0; i < cap(m.sem); i++ {
		m.wg.Add(1)
		go m.recoveryWorker(ctx)
	}
}

// Close stops all background loops and waits for them to exit.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.queue.close()
	m.wg.Wait()
	return nil
}

// RegisterAgent starts tracking heartbeats for agent.
func (m *Manager) RegisterAgent(agent ids.AgentId) {
	m.agentsMu.Lock()
	m.agents = append(m.agents, agent)
	m.agentsMu.Unlock()
	m.hb.register(agent, m.clock.UTCNow())
}

// UnregisterAgent stops tracking agent entirely.
func (m *Manager) UnregisterAgent(agent ids.AgentId) {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	for i, a := range m.agents {
		if a == agent {
			m.agents = append(m.agents[:i], m.agents[i+1:]...)
			break
		}
	}
	m.hb.unregister(agent)
}

// Agents returns a snapshot of every agent currently tracked.
func (m *Manager) Agents() []ids.AgentId {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	out := make([]ids.AgentId, len(m.agents))
	copy(out, m.agents)
	return out
}

// Heartbeat records a fresh liveness signal for agent, per spec.md §4.4.
func (m *Manager) Heartbeat(agent ids.AgentId, currentTask string) {
	m.hb.beat(agent, currentTask, m.clock.UTCNow())
}

// Health returns the current heartbeat record for agent, if tracked.
func (m *Manager) Health(agent ids.AgentId) (Heartbeat, bool) {
	return m.hb.get(agent)
}

// AllHeartbeats returns a snapshot of every tracked agent's heartbeat
// record, used by healthapi's aggregate liveness check.
func (m *Manager) AllHeartbeats() []Heartbeat {
	return m.hb.all()
}

// RecordTaskOutcome feeds a completed/failed task into both the circuit
// breaker and the heartbeat performance summary for agent.
func (m *Manager) RecordTaskOutcome(agent ids.AgentId, success bool, durationMs float64) {
	now := m.clock.UTCNow()
	m.hb.recordOutcome(agent, success, durationMs, now)
	if success {
		m.breakers.RecordSuccess(agent)
	} else {
		m.breakers.RecordFailure(agent)
	}
	state := m.breakers.State(agent)
	circuitOpenGauge.WithLabelValues(agent.String()).Set(boolToFloat(state == CircuitOpen))
	if state == CircuitOpen {
		m.hb.setHealthUnlessFailed(agent, HealthCircuitOpen)
	} else if hb, ok := m.hb.get(agent); ok && hb.Health == HealthCircuitOpen {
		m.hb.setHealth(agent, HealthHealthy)
	}
}

// Admit reports whether agent's circuit breaker currently allows a request.
func (m *Manager) Admit(agent ids.AgentId) bool {
	return m.breakers.Admit(agent)
}

// CircuitState returns agent's current breaker snapshot.
func (m *Manager) CircuitState(agent ids.AgentId) CircuitBreakerSnapshot {
	return m.breakers.Snapshot(agent)
}

// Checkpoint records a new checkpoint for task and returns its ID.
func (m *Manager) Checkpoint(task string, agent ids.AgentId, state []byte, progress float64, taskContext map[string]string) string {
	return m.checkpoints.Save(task, agent, state, progress, taskContext)
}

// LatestCheckpoint returns the most recent checkpoint recorded for task.
func (m *Manager) LatestCheckpoint(task string) (Checkpoint, bool) {
	return m.checkpoints.Latest(task)
}

// heartbeatLoop scans every HeartbeatInterval and enqueues recovery actions
// for agents that crossed the Unresponsive/Failed thresholds.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce()
		}
	}
}

func (m *Manager) scanOnce() {
	now := m.clock.Now()
	changed := m.hb.scan(now, m.cfg.AgentTimeout, m.cfg.MissedCountThreshold)
	for _, c := range changed {
		healthTransitionsTotal.WithLabelValues(string(c.transition)).Inc()
		m.logger.Warn("agent health transition",
			zap.String("agent", c.agent.String()),
			zap.String("state", string(c.transition)),
			zap.Int("missed_count", c.missedCount),
		)
		if c.transition != HealthFailed {
			continue
		}
		if c.heldTask != "" && m.cfg.EnableTaskRedistribution {
			m.enqueue(RecoveryAction{Kind: ActionRedistributeTask, Task: c.heldTask, From: c.agent, EnqueuedAt: m.clock.UTCNow()})
		}
		if m.cfg.EnableAutoRecovery {
			m.enqueue(RecoveryAction{Kind: ActionRestartAgent, Agent: c.agent, Attempt: 1, EnqueuedAt: m.clock.UTCNow()})
		} else {
			m.enqueue(RecoveryAction{Kind: ActionMarkAgentFailed, Agent: c.agent, Reason: "heartbeat timeout, auto recovery disabled", EnqueuedAt: m.clock.UTCNow()})
		}
	}
}

func (m *Manager) enqueue(a RecoveryAction) {
	if err := m.queue.enqueue(a); err != nil {
		m.logger.Warn("recovery action dropped", zap.String("kind", string(a.Kind)), zap.Error(err))
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.CheckpointSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkpoints.Sweep(m.cfg.CheckpointRetention)
		}
	}
}

// recoveryWorker is one of RecoveryQueueCapacity concurrent consumers of
// the FIFO queue; within a single worker, actions run strictly in the
// order dequeued. Workers do not coordinate by agent: with more than one
// worker, two actions for the same agent can run concurrently, so their
// completion order is not guaranteed to match their enqueue order.
func (m *Manager) recoveryWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		action, err := m.queue.dequeueWait(ctx)
		if err != nil {
			return
		}
		m.apply(ctx, action)
	}
}

func (m *Manager) apply(ctx context.Context, action RecoveryAction) {
	start := m.clock.UTCNow()
	var outcome RecoveryOutcome
	switch action.Kind {
	case ActionRestartAgent:
		outcome = m.applyRestartAgent(ctx, action)
	case ActionRedistributeTask:
		outcome = m.applyRedistributeTask(action)
	case ActionRollbackTask:
		outcome = m.applyRollbackTask(action)
	case ActionMarkAgentFailed:
		outcome = m.applyMarkAgentFailed(ctx, action)
	}
	outcome.Action = action
	outcome.StartedAt = start
	outcome.EndedAt = m.clock.UTCNow()

	status := "failure"
	if outcome.Success {
		status = "success"
	}
	recoveryActionsTotal.WithLabelValues(string(action.Kind), status).Inc()
	m.logger.Info("recovery action applied",
		zap.String("kind", string(action.Kind)),
		zap.Bool("success", outcome.Success),
		zap.String("detail", outcome.Detail),
	)
}

func (m *Manager) applyRestartAgent(ctx context.Context, action RecoveryAction) RecoveryOutcome {
	if action.Attempt > m.cfg.MaxRestartAttempts {
		m.enqueue(RecoveryAction{Kind: ActionMarkAgentFailed, Agent: action.Agent, Reason: "restart attempts exhausted", EnqueuedAt: m.clock.UTCNow()})
		return RecoveryOutcome{Success: false, Detail: "restart attempts exhausted, escalated"}
	}

	if m.cfg.RestartDelay > 0 {
		select {
		case <-m.clock.After(m.cfg.RestartDelay):
		case <-ctx.Done():
			return RecoveryOutcome{Success: false, Detail: "canceled during restart delay"}
		}
	}

	if m.initAgent == nil {
		return RecoveryOutcome{Success: false, Detail: "no agent initializer configured"}
	}

	restartCtx, cancel := context.WithTimeout(ctx, m.cfg.RestartTimeout)
	defer cancel()
	if err := m.initAgent(restartCtx, action.Agent); err != nil {
		m.enqueue(RecoveryAction{Kind: ActionRestartAgent, Agent: action.Agent, Attempt: action.Attempt + 1, EnqueuedAt: m.clock.UTCNow()})
		return RecoveryOutcome{Success: false, Detail: "initialize hook failed: " + err.Error()}
	}

	m.hb.setHealth(action.Agent, HealthRecovering)
	m.breakers.ForceHalfOpen(action.Agent)
	return RecoveryOutcome{Success: true, Detail: "agent restarted, health set to Recovering"}
}

func (m *Manager) applyRedistributeTask(action RecoveryAction) RecoveryOutcome {
	if m.cfg.RedistributionDelay > 0 {
		<-m.clock.After(m.cfg.RedistributionDelay)
	}

	target := action.To
	if target.IsZero() {
		if m.picker == nil {
			return RecoveryOutcome{Success: false, Detail: "no target picker configured"}
		}
		t, ok := m.picker(action.From)
		if !ok {
			return RecoveryOutcome{Success: false, Detail: "no healthy eligible target available"}
		}
		target = t
	}

	cp, ok := m.checkpoints.Latest(action.Task)
	if !ok {
		return RecoveryOutcome{Success: false, Detail: "no checkpoint to roll back to"}
	}

	m.enqueue(RecoveryAction{Kind: ActionRollbackTask, Task: action.Task, From: action.From, To: target, CheckpointID: cp.ID, EnqueuedAt: m.clock.UTCNow()})
	return RecoveryOutcome{Success: true, Detail: "rollback enqueued for " + target.String()}
}

func (m *Manager) applyRollbackTask(action RecoveryAction) RecoveryOutcome {
	cp, ok := m.checkpoints.Get(action.Task, action.CheckpointID)
	if !ok {
		return RecoveryOutcome{Success: false, Detail: "checkpoint no longer retained"}
	}
	m.hb.beat(action.To, action.Task, m.clock.UTCNow())
	return RecoveryOutcome{Success: true, Detail: "resumed task " + cp.Task + " at progress " + strconv.FormatFloat(cp.Progress, 'f', 2, 64)}
}

func (m *Manager) applyMarkAgentFailed(ctx context.Context, action RecoveryAction) RecoveryOutcome {
	m.hb.setHealth(action.Agent, HealthFailed)
	m.breakers.ForceOpen(action.Agent)

	if m.trustMgr != nil {
		_, err := m.trustMgr.Update(ctx, trust.Event{
			Agent:  action.Agent,
			Reason: trust.Reason{Kind: trust.ReasonPermanentFailure, Text: action.Reason},
			Now:    m.clock.UTCNow(),
		})
		if err != nil {
			return RecoveryOutcome{Success: false, Detail: "trust update failed: " + err.Error()}
		}
	}
	return RecoveryOutcome{Success: true, Detail: "agent marked failed: " + action.Reason}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
