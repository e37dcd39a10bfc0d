package consensus

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/sigoracle"
	"github.com/aidenlippert/swarmcore/internal/transport"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

// testCluster wires n Engines over a shared in-memory Hub, each with its own
// trust.Manager (neutral scores, so every agent starts eligible) and no
// signing keys configured (Signature.Algorithm "none" bypasses the oracle,
// since these tests exercise agreement logic, not the signature path).
type testCluster struct {
	agents  []ids.AgentId
	engines map[ids.AgentId]*Engine
}

func newTestCluster(t *testing.T, n int, cfg Config) *testCluster {
	t.Helper()
	hub := transport.NewHub(0, 0)

	agents := make([]ids.AgentId, n)
	for i := range agents {
		agents[i] = ids.NewAgentId()
	}

	cluster := &testCluster{agents: agents, engines: make(map[ids.AgentId]*Engine)}
	for _, a := range agents {
		tr := hub.Join(a)
		tm, err := trust.NewManager(context.Background(), trust.NewMemoryStore(), clockutil.New(), nil, trust.Config{})
		require.NoError(t, err)

		e := New(a, nil, func(ids.AgentId) (ed25519.PublicKey, bool) { return nil, false }, tr, sigoracle.Ed25519Oracle{}, clockutil.New(), tm, zap.NewNop(), cfg)
		for _, other := range agents {
			e.RegisterAgent(other)
		}
		cluster.engines[a] = e
	}
	return cluster
}

func (c *testCluster) close() {
	for _, e := range c.engines {
		_ = e.Close()
	}
}

func (c *testCluster) primaryEngine(t *testing.T, view uint64) *Engine {
	t.Helper()
	p, ok := Primary(c.agents, view)
	require.True(t, ok)
	return c.engines[p]
}

func TestEngine_HappyPathFourAgentsCommit(t *testing.T) {
	cluster := newTestCluster(t, 4, Config{RoundTimeout: 5 * time.Second})
	defer cluster.close()

	primary := cluster.primaryEngine(t, 0)
	proposal := Proposal{Kind: ProposalConfigChange, ConfigKey: "max_view_changes", ConfigValue: "3"}

	proposalID, err := primary.SubmitProposal(context.Background(), proposal)
	require.NoError(t, err)

	for _, e := range cluster.engines {
		e := e
		assert.Eventually(t, func() bool {
			r, ok := e.Result(proposalID)
			return ok && r.Decision == DecisionAccepted
		}, 2*time.Second, 10*time.Millisecond)
	}

	r, ok := primary.Result(proposalID)
	require.True(t, ok)
	assert.Equal(t, DecisionAccepted, r.Decision)
	assert.GreaterOrEqual(t, len(r.Participants), QuorumSize(4))
}

func TestEngine_CommitsDespiteOneSilentAgent(t *testing.T) {
	cluster := newTestCluster(t, 4, Config{RoundTimeout: 5 * time.Second})
	defer cluster.close()

	// Simulate one faulty agent by closing its transport before the round
	// starts: it neither receives nor sends anything, but the remaining
	// three (== QuorumSize(4)) are enough to commit.
	var silent ids.AgentId
	for _, a := range cluster.agents {
		if !IsPrimary(cluster.agents, 0, a) {
			silent = a
			break
		}
	}
	_ = cluster.engines[silent].Close()

	primary := cluster.primaryEngine(t, 0)
	proposal := Proposal{Kind: ProposalAgentJoin, JoinAgent: ids.NewAgentId(), JoinRole: "worker", JoinInitialTrust: 0.5}

	proposalID, err := primary.SubmitProposal(context.Background(), proposal)
	require.NoError(t, err)

	for _, a := range cluster.agents {
		if a == silent {
			continue
		}
		e := cluster.engines[a]
		assert.Eventually(t, func() bool {
			r, ok := e.Result(proposalID)
			return ok && r.Decision == DecisionAccepted
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestEngine_RefusesRoundWhenNoAgentEligible(t *testing.T) {
	cluster := newTestCluster(t, 4, Config{RoundTimeout: 5 * time.Second, MinVotingTrust: 0.9})
	defer cluster.close()

	// MinVotingTrust 0.9 exceeds the neutral 0.5 starting score, so no agent
	// is eligible and SubmitProposal must refuse to start a round at all.
	primary := cluster.primaryEngine(t, 0)
	_, err := primary.SubmitProposal(context.Background(), Proposal{Kind: ProposalConfigChange, ConfigKey: "k", ConfigValue: "v"})
	assert.Error(t, err)
}

func TestEngine_NonPrimaryCannotSubmit(t *testing.T) {
	cluster := newTestCluster(t, 4, Config{RoundTimeout: 5 * time.Second})
	defer cluster.close()

	p, _ := Primary(cluster.agents, 0)
	for _, a := range cluster.agents {
		if a == p {
			continue
		}
		_, err := cluster.engines[a].SubmitProposal(context.Background(), Proposal{Kind: ProposalConfigChange})
		assert.Error(t, err)
	}
}

func TestEngine_ResultUnknownForUnseenProposal(t *testing.T) {
	cluster := newTestCluster(t, 4, Config{})
	defer cluster.close()

	_, ok := cluster.engines[cluster.agents[0]].Result(ids.NewProposalId())
	assert.False(t, ok)
}
