package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/consensus"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/transport"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

// testSwarm wires n Coordinators over a shared lossless in-memory Hub, each
// with its own trust store and no signing keys (unsigned consensus), and
// cross-registers every agent with every Coordinator before returning —
// mirroring internal/consensus's own testCluster helper, retargeted one
// layer up at the assembled Coordinator.
type testSwarm struct {
	agents       []ids.AgentId
	coordinators map[ids.AgentId]*Coordinator
}

func newTestSwarm(t *testing.T, n int) *testSwarm {
	t.Helper()
	hub := transport.NewHub(0, 0)

	agents := make([]ids.AgentId, n)
	for i := range agents {
		agents[i] = ids.NewAgentId()
	}

	sw := &testSwarm{agents: agents, coordinators: make(map[ids.AgentId]*Coordinator)}
	for _, a := range agents {
		tr := hub.Join(a)
		c, err := New(context.Background(), Options{
			Self:      a,
			Transport: tr,
			Store:     trust.NewMemoryStore(),
			Clock:     clockutil.New(),
			Logger:    zap.NewNop(),
			Config: Config{
				Consensus: consensus.Config{RoundTimeout: 5 * time.Second},
			},
		})
		require.NoError(t, err)
		sw.coordinators[a] = c
	}

	for _, c := range sw.coordinators {
		for _, other := range agents {
			require.NoError(t, c.RegisterAgent(context.Background(), other, 0.8))
		}
	}
	return sw
}

func (sw *testSwarm) start(t *testing.T) {
	t.Helper()
	for _, c := range sw.coordinators {
		require.NoError(t, c.Start(context.Background()))
	}
}

func (sw *testSwarm) close() {
	for _, c := range sw.coordinators {
		_ = c.Close()
	}
}

func (sw *testSwarm) primary(t *testing.T, view uint64) *Coordinator {
	t.Helper()
	p, ok := consensus.Primary(sw.agents, view)
	require.True(t, ok)
	return sw.coordinators[p]
}

func TestCoordinator_HappyPathSubmitProposalReachesQuorum(t *testing.T) {
	sw := newTestSwarm(t, 4)
	defer sw.close()
	sw.start(t)

	primary := sw.primary(t, 0)
	proposal := consensus.Proposal{Kind: consensus.ProposalConfigChange, ConfigKey: "max_view_changes", ConfigValue: "3"}

	proposalID, err := primary.SubmitProposal(context.Background(), proposal)
	require.NoError(t, err)

	for _, c := range sw.coordinators {
		c := c
		assert.Eventually(t, func() bool {
			r, ok := c.Result(proposalID)
			return ok && r.Decision == consensus.DecisionAccepted
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestCoordinator_SubmitProposalFromNonPrimaryReturnsNotPrimaryWithHint(t *testing.T) {
	sw := newTestSwarm(t, 4)
	defer sw.close()
	sw.start(t)

	primary := sw.primary(t, 0)
	var nonPrimary *Coordinator
	for agent, c := range sw.coordinators {
		if agent != primary.Self() {
			nonPrimary = c
			break
		}
	}
	require.NotNil(t, nonPrimary)

	_, err := nonPrimary.SubmitProposal(context.Background(), consensus.Proposal{Kind: consensus.ProposalConfigChange, ConfigKey: "k", ConfigValue: "v"})
	require.Error(t, err)

	var notPrimary *NotPrimaryError
	require.ErrorAs(t, err, &notPrimary)
	require.True(t, notPrimary.HasPrimary)
	assert.Equal(t, primary.Self(), notPrimary.Primary)
}

func TestCoordinator_SubmitProposalInsufficientAgents(t *testing.T) {
	sw := newTestSwarm(t, 1)
	defer sw.close()
	sw.start(t)

	only := sw.coordinators[sw.agents[0]]
	_, err := only.SubmitProposal(context.Background(), consensus.Proposal{Kind: consensus.ProposalConfigChange, ConfigKey: "k", ConfigValue: "v"})
	require.ErrorIs(t, err, ErrInsufficientAgents)
}

func TestCoordinator_RecordTaskOutcomeAndHeartbeatFeedCollaborators(t *testing.T) {
	sw := newTestSwarm(t, 4)
	defer sw.close()
	sw.start(t)

	c := sw.coordinators[sw.agents[0]]
	target := sw.agents[1]

	before := c.TrustScore(context.Background(), target)
	c.RecordTaskOutcome(context.Background(), "task-1", target, true, 50*time.Millisecond)
	after := c.TrustScore(context.Background(), target)
	assert.GreaterOrEqual(t, after.Value, before.Value)
	assert.Greater(t, after.Interactions, before.Interactions)

	c.Heartbeat(target, "task-2")
	assert.Eventually(t, func() bool {
		hb, ok := c.Health(target)
		return ok && hb.CurrentTask == "task-2"
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_UnregisterAgentRemovesFromAllComponents(t *testing.T) {
	sw := newTestSwarm(t, 4)
	defer sw.close()
	sw.start(t)

	c := sw.coordinators[sw.agents[0]]
	target := sw.agents[1]

	require.NoError(t, c.UnregisterAgent(context.Background(), target))

	_, ok := c.Health(target)
	assert.False(t, ok)
}
