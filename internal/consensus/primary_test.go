package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestByzantineBound(t *testing.T) {
	assert.Equal(t, 0, ByzantineBound(0))
	assert.Equal(t, 0, ByzantineBound(3))
	assert.Equal(t, 1, ByzantineBound(4))
	assert.Equal(t, 1, ByzantineBound(6))
	assert.Equal(t, 2, ByzantineBound(7))
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 1, QuorumSize(0))
	assert.Equal(t, 3, QuorumSize(4))
	assert.Equal(t, 5, QuorumSize(7))
}

func TestPrimary_DeterministicAcrossCallers(t *testing.T) {
	agents := []ids.AgentId{ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId()}

	p1, ok1 := Primary(agents, 0)
	p2, ok2 := Primary(agents, 0)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, p1, p2)
}

func TestPrimary_RotatesWithView(t *testing.T) {
	agents := []ids.AgentId{ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId()}
	sorted := ids.SortAgentIds(agents)

	for view := uint64(0); view < uint64(len(sorted)); view++ {
		p, ok := Primary(agents, view)
		assert.True(t, ok)
		assert.Equal(t, sorted[view], p)
	}
}

func TestPrimary_EmptyAgentSet(t *testing.T) {
	_, ok := Primary(nil, 0)
	assert.False(t, ok)
}

func TestIsPrimary(t *testing.T) {
	agents := []ids.AgentId{ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId(), ids.NewAgentId()}
	p, ok := Primary(agents, 0)
	assert.True(t, ok)
	assert.True(t, IsPrimary(agents, 0, p))

	for _, a := range agents {
		if a != p {
			assert.False(t, IsPrimary(agents, 0, a))
		}
	}
}
