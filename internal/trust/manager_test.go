package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

func newTestManager(t *testing.T) (*Manager, *clockutil.MockClock) {
	t.Helper()
	mc := clockutil.NewMock()
	m, err := NewManager(context.Background(), NewMemoryStore(), mc, nil, Config{})
	require.NoError(t, err)
	return m, mc
}

func TestManager_FirstObservationIsNeutral(t *testing.T) {
	m, _ := newTestManager(t)
	score := m.Score(context.Background(), ids.NewAgentId())
	assert.Equal(t, 0.5, score.Value)
	assert.Equal(t, 0.0, score.Confidence)
	assert.Equal(t, uint64(0), score.Interactions)
}

func TestManager_ConfidenceMonotonicallyIncreasesAndAsymptotesToOne(t *testing.T) {
	m, _ := newTestManager(t)
	agent := ids.NewAgentId()

	last := 0.0
	for i := 0; i < 200; i++ {
		u, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonTaskSuccess}, Now: time.Now().UTC()})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u.CurrentScore.Confidence, last)
		last = u.CurrentScore.Confidence
	}
	assert.LessOrEqual(t, last, 1.0)
	assert.Greater(t, last, 0.9)
}

func TestManager_ValueStaysWithinBounds(t *testing.T) {
	m, _ := newTestManager(t)
	agent := ids.NewAgentId()

	for i := 0; i < 500; i++ {
		reason := ReasonTaskFailure
		if i%7 == 0 {
			reason = ReasonPromiseBroken
		}
		u, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: reason}, Now: time.Now().UTC()})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u.CurrentScore.Value, 0.0)
		assert.LessOrEqual(t, u.CurrentScore.Value, 1.0)
	}
}

func TestManager_PermanentFailureZeroesValueAndMaximizesConfidence(t *testing.T) {
	m, _ := newTestManager(t)
	agent := ids.NewAgentId()

	_, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonTaskSuccess}, Now: time.Now().UTC()})
	require.NoError(t, err)

	u, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonPermanentFailure}, Now: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.CurrentScore.Value)
	assert.Equal(t, 1.0, u.CurrentScore.Confidence)
}

func TestManager_ManualAdjustmentClampedToUnitRange(t *testing.T) {
	m, _ := newTestManager(t)
	agent := ids.NewAgentId()

	u, err := m.Update(context.Background(), Event{
		Agent:       agent,
		Reason:      Reason{Kind: ReasonManualAdjustment, Text: "operator override"},
		ManualDelta: 5.0, // out of range, must clamp to 1.0 before applying
		Now:         time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, u.CurrentScore.Value, 1.0)
}

func TestManager_DecayAppliesAfterInterval(t *testing.T) {
	m, mc := newTestManager(t)
	agent := ids.NewAgentId()

	// Seed a low value at confidence 0 so the (1+weight) amplification does
	// not saturate the clamp at 1.0 with or without decay.
	_, err := m.SeedScore(context.Background(), agent, 0.2, mc.UTCNow())
	require.NoError(t, err)
	withoutDecay := m.Score(context.Background(), agent).Value * 2 // v·(1+weight) with weight 1

	mc.Add(48 * time.Hour)
	u, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonManualAdjustment}, ManualDelta: 0, Now: mc.UTCNow()})
	require.NoError(t, err)

	// Two decay intervals have elapsed (0.99^2) and the manual delta is 0, so
	// the value is 0.2·0.99²·2, strictly lower than the undecayed 0.2·2.
	assert.InDelta(t, 0.2*0.99*0.99*2, u.CurrentScore.Value, 1e-9)
	assert.Less(t, u.CurrentScore.Value, withoutDecay)
}

func TestManager_WriteThroughPersistsToStore(t *testing.T) {
	store := NewMemoryStore()
	mc := clockutil.NewMock()
	m, err := NewManager(context.Background(), store, mc, nil, Config{})
	require.NoError(t, err)

	agent := ids.NewAgentId()
	_, err = m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonTaskSuccess}, Now: mc.UTCNow()})
	require.NoError(t, err)

	persisted, ok, err := store.GetScore(context.Background(), agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, persisted.Value, 0.5)

	history, err := store.History(context.Background(), agent, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonTaskSuccess, history[0].Reason.Kind)
}

func TestManager_AlertFiresOnThresholdCrossing(t *testing.T) {
	m, mc := newTestManager(t)
	agent := ids.NewAgentId()

	var got []Alert
	m.Subscribe(func(a Alert) { got = append(got, a) })

	for i := 0; i < 30; i++ {
		_, err := m.Update(context.Background(), Event{Agent: agent, Reason: Reason{Kind: ReasonPromiseBroken}, Now: mc.UTCNow()})
		require.NoError(t, err)
		mc.Add(time.Minute)
	}

	require.NotEmpty(t, got)
	assert.Equal(t, agent, got[0].Agent)
}

func TestManager_EligibleFiltersByMinimumValue(t *testing.T) {
	m, mc := newTestManager(t)
	trusted := ids.NewAgentId()
	untrusted := ids.NewAgentId()

	_, err := m.Update(context.Background(), Event{Agent: trusted, Reason: Reason{Kind: ReasonTaskSuccess}, Now: mc.UTCNow()})
	require.NoError(t, err)
	// At low confidence the (1+weight) factor keeps the value clamped at 1.0;
	// it only falls once confidence nears 1, below 0.5 after about 23 events.
	for i := 0; i < 30; i++ {
		_, err := m.Update(context.Background(), Event{Agent: untrusted, Reason: Reason{Kind: ReasonPromiseBroken}, Now: mc.UTCNow()})
		require.NoError(t, err)
	}

	eligible := m.Eligible([]ids.AgentId{trusted, untrusted}, 0.5)
	assert.Contains(t, eligible, trusted)
	assert.NotContains(t, eligible, untrusted)
}
