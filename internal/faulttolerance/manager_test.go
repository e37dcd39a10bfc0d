package faulttolerance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

func newTestFTManager(t *testing.T, cfg Config, trustMgr *trust.Manager, picker TargetPicker, initAgent AgentInitializer) (*Manager, *clockutil.MockClock) {
	t.Helper()
	mc := clockutil.NewMock()
	m := New(mc, zap.NewNop(), trustMgr, picker, initAgent, cfg)
	return m, mc
}

// TestManager_SilentAgentEscalatesToRestart exercises S5/S6 of spec.md §8:
// an agent stops heartbeating, three missed ticks mark it Failed, and with
// auto-recovery enabled a RestartAgent action is enqueued and applied.
func TestManager_SilentAgentEscalatesToRestart(t *testing.T) {
	cfg := Config{
		HeartbeatInterval:    time.Second,
		AgentTimeout:         500 * time.Millisecond, // each 1s tick counts as a miss
		MissedCountThreshold: 3,
		RestartDelay:         -1, // non-positive skips the wait; zero would pick up the 10s default
		RestartTimeout:       time.Second,
		RecoveryQueueCapacity: 1,
		EnableAutoRecovery:   true,
	}

	restarted := make(chan ids.AgentId, 1)
	initAgent := func(ctx context.Context, agent ids.AgentId) error {
		restarted <- agent
		return nil
	}

	m, mc := newTestFTManager(t, cfg, nil, nil, initAgent)
	agent := ids.NewAgentId()
	m.RegisterAgent(agent)

	ctx, cancel := context.WithCancel(context.Background())

	// Start only the recovery workers; the heartbeat scan itself is driven
	// synchronously below to avoid racing the ticker goroutine's startup
	// against the mock clock advancing.
	for i := 0; i < cap(m.sem); i++ {
		m.wg.Add(1)
		go m.recoveryWorker(ctx)
	}
	defer func() {
		cancel()
		m.wg.Wait()
	}()

	for i := 0; i < 3; i++ {
		mc.Add(time.Second)
		m.scanOnce()
	}

	select {
	case got := <-restarted:
		assert.Equal(t, agent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("restart was never applied")
	}

	assert.Eventually(t, func() bool {
		hb, ok := m.Health(agent)
		return ok && hb.Health == HealthRecovering
	}, time.Second, 10*time.Millisecond)
}

// TestManager_RedistributeThenRollback exercises S6: a failed agent holding
// a task causes a RedistributeTask, which picks a healthy target and rolls
// it back to the latest checkpoint.
func TestManager_RedistributeThenRollback(t *testing.T) {
	cfg := Config{
		HeartbeatInterval:     time.Second,
		AgentTimeout:          500 * time.Millisecond, // each 1s tick counts as a miss
		MissedCountThreshold:  3,
		RedistributionDelay:   -1, // non-positive skips the wait; zero would pick up the 5s default
		RecoveryQueueCapacity: 2,
		EnableAutoRecovery:    false,
		EnableTaskRedistribution: true,
	}

	from := ids.NewAgentId()
	to := ids.NewAgentId()

	m, mc := newTestFTManager(t, cfg, nil, func(excluding ids.AgentId) (ids.AgentId, bool) {
		if excluding == to {
			return ids.AgentId{}, false
		}
		return to, true
	}, nil)

	m.RegisterAgent(from)
	m.RegisterAgent(to)
	m.hb.beat(from, "render-frame", mc.Now().UTC())
	m.Checkpoint("render-frame", from, []byte("step-7"), 0.7, nil)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < cap(m.sem); i++ {
		m.wg.Add(1)
		go m.recoveryWorker(ctx)
	}
	defer func() {
		cancel()
		m.wg.Wait()
	}()

	for i := 0; i < 3; i++ {
		mc.Add(time.Second)
		m.hb.beat(to, "", mc.Now().UTC()) // to stays healthy throughout
		m.scanOnce()
	}

	assert.Eventually(t, func() bool {
		hb, ok := m.Health(to)
		return ok && hb.CurrentTask == "render-frame"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_MarkAgentFailedRecordsPermanentFailure(t *testing.T) {
	mc := clockutil.NewMock()
	tm, err := trust.NewManager(context.Background(), trust.NewMemoryStore(), mc, nil, trust.Config{})
	require.NoError(t, err)

	cfg := Config{RecoveryQueueCapacity: 1}
	m, _ := newTestFTManager(t, cfg, tm, nil, nil)

	agent := ids.NewAgentId()
	before := tm.Score(context.Background(), agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	m.enqueue(RecoveryAction{Kind: ActionMarkAgentFailed, Agent: agent, Reason: "test", EnqueuedAt: mc.Now().UTC()})

	assert.Eventually(t, func() bool {
		return m.CircuitState(agent).State == CircuitOpen
	}, time.Second, 10*time.Millisecond)

	after := tm.Score(context.Background(), agent)
	assert.Greater(t, after.Interactions, before.Interactions)
}

func TestManager_RecordTaskOutcomeReflectsCircuitOpenInHealth(t *testing.T) {
	cfg := Config{CircuitFailureThreshold: 1, CircuitOpenTimeout: time.Minute}
	m, _ := newTestFTManager(t, cfg, nil, nil, nil)

	agent := ids.NewAgentId()
	m.RegisterAgent(agent)

	m.RecordTaskOutcome(agent, false, 50)
	hb, ok := m.Health(agent)
	require.True(t, ok)
	assert.Equal(t, HealthCircuitOpen, hb.Health)

	m.RecordTaskOutcome(agent, true, 50)
	hb, ok = m.Health(agent)
	require.True(t, ok)
	assert.Equal(t, HealthCircuitOpen, hb.Health, "breaker stays Open until half-open timeout elapses")
}

func TestManager_RestartEscalatesToMarkFailedAfterMaxAttempts(t *testing.T) {
	cfg := Config{MaxRestartAttempts: 1, RestartDelay: -1, RestartTimeout: time.Second, RecoveryQueueCapacity: 1}
	m, mc := newTestFTManager(t, cfg, nil, nil, func(ctx context.Context, agent ids.AgentId) error { return assert.AnError })

	agent := ids.NewAgentId()
	m.RegisterAgent(agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	m.enqueue(RecoveryAction{Kind: ActionRestartAgent, Agent: agent, Attempt: 1, EnqueuedAt: mc.Now().UTC()})

	assert.Eventually(t, func() bool {
		hb, ok := m.Health(agent)
		return ok && hb.Health == HealthFailed
	}, 2*time.Second, 10*time.Millisecond)
}
