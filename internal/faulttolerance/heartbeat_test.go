package faulttolerance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestHeartbeats_RegisterIsHealthy(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()

	h.register(agent, now)
	hb, ok := h.get(agent)
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, hb.Health)
	assert.Equal(t, 0, hb.MissedCount)
}

func TestHeartbeats_BeatResetsMissedCount(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()
	h.register(agent, now)

	h.scan(now.Add(20*time.Second), 15*time.Second, 3)
	hb, _ := h.get(agent)
	assert.Equal(t, HealthUnresponsive, hb.Health)
	assert.Equal(t, 1, hb.MissedCount)

	h.beat(agent, "", now.Add(21*time.Second))
	hb, _ = h.get(agent)
	assert.Equal(t, HealthHealthy, hb.Health)
	assert.Equal(t, 0, hb.MissedCount)
}

func TestHeartbeats_EscalatesToFailedAfterThreshold(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()
	h.register(agent, now)

	elapsed := now
	var last []scanResult
	for i := 0; i < 3; i++ {
		elapsed = elapsed.Add(20 * time.Second)
		last = h.scan(elapsed, 15*time.Second, 3)
	}
	require.Len(t, last, 1)
	assert.Equal(t, HealthFailed, last[0].transition)

	hb, _ := h.get(agent)
	assert.Equal(t, HealthFailed, hb.Health)
}

func TestHeartbeats_FailedAgentIsNotRescannedOnceFailed(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()
	h.register(agent, now)

	elapsed := now
	for i := 0; i < 3; i++ {
		elapsed = elapsed.Add(20 * time.Second)
		h.scan(elapsed, 15*time.Second, 3)
	}

	changed := h.scan(elapsed.Add(time.Hour), 15*time.Second, 3)
	assert.Empty(t, changed)
}

func TestHeartbeats_LastSeenNeverDecreases(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()
	h.register(agent, now)

	h.beat(agent, "", now.Add(time.Minute))
	h.beat(agent, "", now) // stale, out-of-order delivery

	hb, _ := h.get(agent)
	assert.Equal(t, now.Add(time.Minute), hb.LastSeen)
}

func TestHeartbeats_RecordOutcomeUpdatesPerformance(t *testing.T) {
	h := newHeartbeats(4)
	agent := ids.NewAgentId()
	now := time.Now().UTC()
	h.register(agent, now)

	h.recordOutcome(agent, true, 100, now)
	h.recordOutcome(agent, false, 300, now)

	hb, _ := h.get(agent)
	assert.Equal(t, uint64(1), hb.Perf.Completed)
	assert.Equal(t, uint64(1), hb.Perf.Failed)
	assert.InDelta(t, 0.5, hb.Perf.SuccessRate, 1e-9)
}
