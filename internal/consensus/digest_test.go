package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestDigest_DeterministicForEqualProposals(t *testing.T) {
	agent := ids.NewAgentId()
	p := Proposal{
		Kind:     ProposalTrustAdjustment,
		AdjustAgent: agent,
		AdjustDelta: 0.05,
		AdjustReason: "verified delivery",
	}

	d1 := Digest(p)
	d2 := Digest(p)
	assert.Equal(t, d1, d2)
}

func TestDigest_DiffersOnFieldChange(t *testing.T) {
	agent := ids.NewAgentId()
	base := Proposal{Kind: ProposalTrustAdjustment, AdjustAgent: agent, AdjustDelta: 0.05}
	changed := base
	changed.AdjustDelta = 0.06

	assert.NotEqual(t, Digest(base), Digest(changed))
}

func TestDigest_DiffersAcrossKinds(t *testing.T) {
	agent := ids.NewAgentId()
	join := Proposal{Kind: ProposalAgentJoin, JoinAgent: agent, JoinRole: "worker"}
	removal := Proposal{Kind: ProposalAgentRemoval, RemoveAgent: agent, RemoveReason: "timeout"}

	assert.NotEqual(t, Digest(join), Digest(removal))
}

func TestDigest_CriticalTaskCoversRequirements(t *testing.T) {
	base := Proposal{
		Kind:   ProposalCriticalTask,
		TaskID: "task-1",
		Requirements: TaskRequirements{
			MinTrustScore:        0.8,
			RequiredCapabilities: []string{"exec", "verify"},
			VerificationLevel:    VerificationCritical,
			MaxExecutionTime:     5 * time.Second,
		},
	}
	changed := base
	changed.Requirements.VerificationLevel = VerificationBasic

	assert.NotEqual(t, Digest(base), Digest(changed))
}
