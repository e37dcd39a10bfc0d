// Package consensus implements the three-phase Byzantine-fault-tolerant
// agreement engine (PrePrepare -> Prepare -> Commit) that the rest of the
// swarm core uses to reach agreement on arbitrary proposals: agent
// membership changes, critical task assignment, trust adjustments,
// configuration changes, and emergency actions.
package consensus

import (
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// Phase is a VotingRound's position in the three-phase protocol. Phase
// advances monotonically until Committed or Failed; neither is ever left.
type Phase string

const (
	PhasePrePrepare Phase = "pre_prepare"
	PhasePrepare    Phase = "prepare"
	PhaseCommit     Phase = "commit"
	PhaseCommitted  Phase = "committed"
	PhaseFailed     Phase = "failed"
)

// ProposalKind discriminates the Proposal tagged union.
type ProposalKind string

const (
	ProposalAgentJoin       ProposalKind = "agent_join"
	ProposalAgentRemoval    ProposalKind = "agent_removal"
	ProposalCriticalTask    ProposalKind = "critical_task"
	ProposalTrustAdjustment ProposalKind = "trust_adjustment"
	ProposalConfigChange    ProposalKind = "config_change"
	ProposalEmergencyAction ProposalKind = "emergency_action"
)

// VerificationLevel gates how much validation a CriticalTask proposal
// requires of its executor before the result is trusted.
type VerificationLevel string

const (
	VerificationBasic    VerificationLevel = "basic"
	VerificationEnhanced VerificationLevel = "enhanced"
	VerificationCritical VerificationLevel = "critical"
)

// TaskRequirements constrains which agents may execute a CriticalTask.
type TaskRequirements struct {
	MinTrustScore        float64
	RequiredCapabilities []string
	VerificationLevel    VerificationLevel
	MaxExecutionTime     time.Duration
}

// Proposal is the tagged-variant record consensus rounds vote on. Only the
// fields relevant to Kind are populated; a Kind discriminator plus optional
// fields is the idiom the rest of the pack uses for variant-like data (no
// sum types in Go).
type Proposal struct {
	Kind ProposalKind

	// AgentJoin
	JoinAgent       ids.AgentId
	JoinRole        string
	JoinInitialTrust float64

	// AgentRemoval
	RemoveAgent ids.AgentId
	RemoveReason string

	// CriticalTask
	TaskID          string
	PayloadDigest   []byte
	Requirements    TaskRequirements

	// TrustAdjustment
	AdjustAgent  ids.AgentId
	AdjustDelta  float64
	AdjustReason string

	// ConfigChange
	ConfigKey   string
	ConfigValue string

	// EmergencyAction
	Action          string
	ActionReason    string
	AffectedAgents  []ids.AgentId
}

// Signature carries a signer's identity alongside the bytes the
// SignatureOracle produced; the algorithm tag lets verification route to
// the right key material without assuming a single scheme.
type Signature struct {
	Signer    ids.AgentId
	Bytes     []byte
	Algorithm string
}

// PrePrepareMsg is phase 1: the primary's proposal for (view, sequence).
type PrePrepareMsg struct {
	ProposalID ids.ProposalId
	View       uint64
	Sequence   uint64
	Proposal   Proposal
	Proposer   ids.AgentId
	Timestamp  time.Time
	Sig        Signature
}

// PrepareMsg is phase 2: a backup's vote to prepare, carrying the digest it
// computed over the proposal.
type PrepareMsg struct {
	ProposalID ids.ProposalId
	View       uint64
	Sequence   uint64
	Voter      ids.AgentId
	Digest     [32]byte
	Timestamp  time.Time
	Sig        Signature
}

// CommitMsg is phase 3: a backup's vote to commit, sent only after
// collecting q matching Prepares (including its own).
type CommitMsg struct {
	ProposalID ids.ProposalId
	View       uint64
	Sequence   uint64
	Voter      ids.AgentId
	Digest     [32]byte
	Timestamp  time.Time
	Sig        Signature
}

// PreparedCert bundles the Prepare votes an honest peer held for a
// (proposal, view, sequence) at the moment it requested a view change —
// the evidence a new primary needs to safely resume in-flight proposals.
type PreparedCert struct {
	ProposalID        ids.ProposalId
	View              uint64
	Sequence          uint64
	Digest            [32]byte
	PrepareSignatures []Signature
}

// ViewChangeMsg requests advancing to NewView, carrying the evidence the
// requester holds so the new primary can safely resume in-flight work.
type ViewChangeMsg struct {
	NewView              uint64
	Agent                ids.AgentId
	LastStableCheckpoint uint64
	CheckpointProof      []Signature
	PreparedCerts        []PreparedCert
	Timestamp            time.Time
	Sig                  Signature
}

// NewViewMsg is the new primary's announcement that it has collected q
// ViewChange messages and is resuming consensus at View.
type NewViewMsg struct {
	View             uint64
	ViewChanges      []ViewChangeMsg
	ResumedPrePrepares []PrePrepareMsg
	Primary          ids.AgentId
	Timestamp        time.Time
	Sig              Signature
}

// CheckpointMsg is exchanged every checkpoint_interval sequences for
// garbage collection: once q matching Checkpoints are observed, rounds
// below that sequence are pruned.
type CheckpointMsg struct {
	Sequence    uint64
	StateDigest [32]byte
	Agent       ids.AgentId
	Timestamp   time.Time
	Sig         Signature
}

// QuorumCertificate is the durable proof that q agents signed off on a
// (proposal, phase, view).
type QuorumCertificate struct {
	ProposalID ids.ProposalId
	Phase      Phase
	View       uint64
	Signatures []Signature
	CreatedAt  time.Time
}

// Decision is the terminal outcome of a VotingRound.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "failed"
)

// Result is the immutable, retained-24h outcome of a finished round.
type Result struct {
	ProposalID          ids.ProposalId
	Proposal            Proposal
	Decision            Decision
	View                uint64
	FailureReason       string
	Participants        []ids.AgentId
	QuorumCertificate   QuorumCertificate
	CompletedAt         time.Time
	Duration            time.Duration
}

// VotingRound is the mutable per-proposal state machine. Phase advances
// monotonically; PrepareVotes and CommitVotes only grow.
type VotingRound struct {
	ProposalID    ids.ProposalId
	Proposal      Proposal
	Phase         Phase
	Primary       ids.AgentId
	View          uint64
	Sequence      uint64
	StartedAt     time.Time
	Timeout       time.Duration
	PrePrepareMsg *PrePrepareMsg
	PrepareVotes  map[ids.AgentId]PrepareMsg
	CommitVotes   map[ids.AgentId]CommitMsg
	PrepareSent   bool
	CommitSent    bool
	Result        *Result
}

func newVotingRound(proposalID ids.ProposalId, proposal Proposal, primary ids.AgentId, view uint64, seq uint64, timeout time.Duration, now time.Time) *VotingRound {
	return &VotingRound{
		ProposalID:   proposalID,
		Proposal:     proposal,
		Phase:        PhasePrePrepare,
		Primary:      primary,
		View:         view,
		Sequence:     seq,
		StartedAt:    now,
		Timeout:      timeout,
		PrepareVotes: make(map[ids.AgentId]PrepareMsg),
		CommitVotes:  make(map[ids.AgentId]CommitMsg),
	}
}
