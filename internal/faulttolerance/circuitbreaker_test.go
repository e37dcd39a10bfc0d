package faulttolerance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestCircuitBreakers_OpensAfterThreshold(t *testing.T) {
	mc := clockutil.NewMock()
	cbs := newCircuitBreakers(mc, Config{CircuitFailureThreshold: 3, CircuitOpenTimeout: time.Minute})
	agent := ids.NewAgentId()

	for i := 0; i < 2; i++ {
		cbs.RecordFailure(agent)
		assert.Equal(t, CircuitClosed, cbs.State(agent))
	}
	cbs.RecordFailure(agent)
	assert.Equal(t, CircuitOpen, cbs.State(agent))
	assert.False(t, cbs.Admit(agent))
}

func TestCircuitBreakers_HalfOpenAfterTimeoutThenClosesOnSuccess(t *testing.T) {
	mc := clockutil.NewMock()
	cbs := newCircuitBreakers(mc, Config{CircuitFailureThreshold: 1, CircuitOpenTimeout: time.Minute})
	agent := ids.NewAgentId()

	cbs.RecordFailure(agent)
	assert.Equal(t, CircuitOpen, cbs.State(agent))
	assert.False(t, cbs.Admit(agent))

	mc.Add(2 * time.Minute)
	assert.True(t, cbs.Admit(agent))
	assert.Equal(t, CircuitHalfOpen, cbs.State(agent))

	cbs.RecordSuccess(agent)
	assert.Equal(t, CircuitClosed, cbs.State(agent))
}

func TestCircuitBreakers_HalfOpenFailureReopens(t *testing.T) {
	mc := clockutil.NewMock()
	cbs := newCircuitBreakers(mc, Config{CircuitFailureThreshold: 1, CircuitOpenTimeout: time.Minute})
	agent := ids.NewAgentId()

	cbs.RecordFailure(agent)
	mc.Add(2 * time.Minute)
	cbs.Admit(agent)
	assert.Equal(t, CircuitHalfOpen, cbs.State(agent))

	cbs.RecordFailure(agent)
	assert.Equal(t, CircuitOpen, cbs.State(agent))
}

func TestCircuitBreakers_IndependentPerAgent(t *testing.T) {
	mc := clockutil.NewMock()
	cbs := newCircuitBreakers(mc, Config{CircuitFailureThreshold: 1, CircuitOpenTimeout: time.Minute})
	a, b := ids.NewAgentId(), ids.NewAgentId()

	cbs.RecordFailure(a)
	assert.Equal(t, CircuitOpen, cbs.State(a))
	assert.Equal(t, CircuitClosed, cbs.State(b))
}
