package consensus

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/sigoracle"
	"github.com/aidenlippert/swarmcore/internal/swarmerr"
	"github.com/aidenlippert/swarmcore/internal/transport"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

var tracer = otel.Tracer("swarmcore/consensus")

var (
	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_consensus_rounds_total",
		Help: "Total consensus rounds by terminal decision",
	}, []string{"decision"})

	viewChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmcore_consensus_view_changes_total",
		Help: "Total ViewChangeMsgs this agent has requested",
	})

	currentViewGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmcore_consensus_current_view",
		Help: "Current view number as observed by this agent",
	}, []string{"agent"})
)

// Config tunes the Engine. Zero values fall back to spec.md §6's defaults.
type Config struct {
	RoundTimeout       time.Duration
	ViewChangeTimeout  time.Duration
	MaxViewChanges     int
	CheckpointInterval uint64
	MinVotingTrust     float64
	ResultRetention    time.Duration
	RoundRetention     time.Duration
	ShardCount         int
}

func (c Config) withDefaults() Config {
	if c.RoundTimeout == 0 {
		c.RoundTimeout = 30 * time.Second
	}
	if c.ViewChangeTimeout == 0 {
		c.ViewChangeTimeout = 60 * time.Second
	}
	if c.MaxViewChanges == 0 {
		c.MaxViewChanges = 3
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 100
	}
	if c.MinVotingTrust == 0 {
		c.MinVotingTrust = 0.5
	}
	if c.ResultRetention == 0 {
		c.ResultRetention = 24 * time.Hour
	}
	if c.RoundRetention == 0 {
		c.RoundRetention = time.Hour
	}
	if c.ShardCount == 0 {
		c.ShardCount = 16
	}
	return c
}

// KeyResolver returns the public key used to verify agent's signatures.
type KeyResolver func(agent ids.AgentId) (ed25519.PublicKey, bool)

// Engine is the Consensus Engine (C3): the three-phase BFT agreement state
// machine. One Engine instance runs per local agent; VotingRounds are
// sharded by ProposalID so independent proposals never contend on one lock,
// per spec.md §5.
type Engine struct {
	self       ids.AgentId
	privateKey ed25519.PrivateKey
	resolver   KeyResolver

	transport transport.Transport
	oracle    sigoracle.Oracle
	clock     clockutil.Clock
	trustMgr  *trust.Manager
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer

	agentsMu sync.RWMutex
	agents   []ids.AgentId

	shards []*roundShard

	resultsMu sync.Mutex
	results   map[ids.ProposalId]*Result

	viewMu       sync.Mutex
	currentView  uint64
	nextSequence uint64
	viewChanges  map[uint64]map[ids.AgentId]ViewChangeMsg
	vcAttempts   int

	sigFailMu sync.Mutex
	sigFails  map[ids.AgentId]int

	checkpointMu     sync.Mutex
	checkpointVotes  map[uint64]map[ids.AgentId][32]byte
	stableCheckpoint uint64

	unsubscribe func()
}

type roundShard struct {
	mu     sync.Mutex
	rounds map[ids.ProposalId]*VotingRound
}

// New constructs an Engine bound to transport t and wires its inbound
// handler. Call Close to unsubscribe.
func New(self ids.AgentId, privateKey ed25519.PrivateKey, resolver KeyResolver, t transport.Transport, oracle sigoracle.Oracle, clock clockutil.Clock, trustMgr *trust.Manager, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		self:       self,
		privateKey: privateKey,
		resolver:   resolver,
		transport:  t,
		oracle:     oracle,
		clock:      clock,
		trustMgr:   trustMgr,
		logger:     logger,
		cfg:        cfg,
		tracer:     tracer,
		results:         make(map[ids.ProposalId]*Result),
		viewChanges:     make(map[uint64]map[ids.AgentId]ViewChangeMsg),
		sigFails:        make(map[ids.AgentId]int),
		checkpointVotes: make(map[uint64]map[ids.AgentId][32]byte),
	}
	e.shards = make([]*roundShard, cfg.ShardCount)
	for i := range e.shards {
		e.shards[i] = &roundShard{rounds: make(map[ids.ProposalId]*VotingRound)}
	}
	e.unsubscribe = t.Subscribe(func(from ids.AgentId, payload []byte) {
		if err := e.OnMessage(context.Background(), payload); err != nil {
			logger.Debug("consensus: dropped inbound message", zap.Error(err), zap.String("from", from.String()))
		}
	})
	return e
}

func (e *Engine) Close() error {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	return nil
}

func (e *Engine) shardFor(id ids.ProposalId) *roundShard {
	return e.shards[int(id[0])%len(e.shards)]
}

// RegisterAgent adds agent to the voting set A. Per spec.md §4.3, changes to
// A are applied atomically between rounds — the engine does not interrupt
// in-flight rounds, which were already handed a frozen agent-set snapshot
// at creation.
func (e *Engine) RegisterAgent(agent ids.AgentId) {
	e.agentsMu.Lock()
	defer e.agentsMu.Unlock()
	for _, a := range e.agents {
		if a == agent {
			return
		}
	}
	e.agents = append(e.agents, agent)
}

// UnregisterAgent removes agent from A.
func (e *Engine) UnregisterAgent(agent ids.AgentId) {
	e.agentsMu.Lock()
	defer e.agentsMu.Unlock()
	out := e.agents[:0:0]
	for _, a := range e.agents {
		if a != agent {
			out = append(out, a)
		}
	}
	e.agents = out
}

// eligibleAgents returns the trust-gated subset of A used for quorum
// computation (spec.md §4.3's eligibility gate). It filters on trust
// alone: heartbeat health, tracked by the Fault Tolerance Manager, is not
// consulted here, and pkg/swarm.Coordinator does not add it either.
func (e *Engine) eligibleAgents() []ids.AgentId {
	e.agentsMu.RLock()
	all := append([]ids.AgentId{}, e.agents...)
	e.agentsMu.RUnlock()
	if e.trustMgr == nil {
		return all
	}
	return e.trustMgr.Eligible(all, e.cfg.MinVotingTrust)
}

// SubmitProposal initiates a new round if and only if the caller is the
// current primary and there are enough eligible agents to make progress.
func (e *Engine) SubmitProposal(ctx context.Context, proposal Proposal) (ids.ProposalId, error) {
	ctx, span := e.tracer.Start(ctx, "SubmitProposal")
	defer span.End()

	agents := e.eligibleAgents()
	if len(agents) < MinAgentsForProgress {
		return ids.ProposalId{}, swarmerr.ResourceExhausted("insufficient eligible agents")
	}

	e.viewMu.Lock()
	view := e.currentView
	e.viewMu.Unlock()

	if !IsPrimary(agents, view, e.self) {
		return ids.ProposalId{}, swarmerr.Protocol("not primary for current view")
	}

	proposalID := ids.NewProposalId()
	e.viewMu.Lock()
	e.nextSequence++
	seq := e.nextSequence
	e.viewMu.Unlock()

	now := e.clock.UTCNow()
	round := newVotingRound(proposalID, proposal, e.self, view, seq, e.cfg.RoundTimeout, now)

	sig, err := e.signProposal(proposal)
	if err != nil {
		return ids.ProposalId{}, err
	}
	msg := PrePrepareMsg{
		ProposalID: proposalID,
		View:       view,
		Sequence:   seq,
		Proposal:   proposal,
		Proposer:   e.self,
		Timestamp:  now,
		Sig:        sig,
	}
	round.PrePrepareMsg = &msg

	sh := e.shardFor(proposalID)
	sh.mu.Lock()
	sh.rounds[proposalID] = round
	sh.mu.Unlock()

	raw, err := encodeMessage(wirePrePrepare, msg)
	if err != nil {
		return ids.ProposalId{}, swarmerr.Protocol("encode pre-prepare: " + err.Error())
	}
	if err := e.transport.Broadcast(ctx, raw); err != nil {
		e.logger.Warn("consensus: broadcast pre-prepare failed", zap.Error(err))
	}

	e.scheduleTimeout(round)

	// The primary also processes its own PrePrepare as if received, so it
	// sends its own Prepare and counts toward quorum like every backup.
	e.handlePrePrepare(msg)

	return proposalID, nil
}

func (e *Engine) signProposal(p Proposal) (Signature, error) {
	if e.privateKey == nil {
		return Signature{Signer: e.self, Algorithm: "none"}, nil
	}
	digest := Digest(p)
	sig := e.oracle.Sign(e.privateKey, digest[:])
	return Signature{Signer: e.self, Bytes: sig, Algorithm: "ed25519"}, nil
}

func (e *Engine) verify(sig Signature, digest [32]byte) bool {
	if sig.Algorithm == "none" {
		return true // local-only/test mode, no keys configured
	}
	pub, ok := e.resolver(sig.Signer)
	if !ok {
		return false
	}
	return e.oracle.Verify(pub, digest[:], sig.Bytes)
}

func (e *Engine) flagSignatureFailure(agent ids.AgentId) {
	e.sigFailMu.Lock()
	e.sigFails[agent]++
	e.sigFailMu.Unlock()
}

// OnMessage decodes and dispatches a raw inbound payload. Unknown or
// malformed messages are dropped silently, matching spec.md §6.
func (e *Engine) OnMessage(_ context.Context, raw []byte) error {
	v := &visitor{
		onPrePrepare: e.handlePrePrepare,
		onPrepare:    e.handlePrepare,
		onCommit:     e.handleCommit,
		onViewChange: e.handleViewChange,
		onNewView:    e.handleNewView,
		onCheckpoint: e.handleCheckpoint,
	}
	return decodeMessage(raw, v)
}

func (e *Engine) handlePrePrepare(msg PrePrepareMsg) {
	agents := e.eligibleAgents()
	expected, ok := Primary(agents, msg.View)
	if !ok || expected != msg.Proposer {
		return // not from the expected primary
	}

	digest := Digest(msg.Proposal)
	if !e.verify(msg.Sig, digest) {
		e.flagSignatureFailure(msg.Proposer)
		return
	}

	sh := e.shardFor(msg.ProposalID)
	sh.mu.Lock()
	round, exists := sh.rounds[msg.ProposalID]
	if exists {
		if round.PrePrepareMsg != nil && Digest(round.PrePrepareMsg.Proposal) != digest {
			sh.mu.Unlock()
			return // conflicting PrePrepare for the same (view, sequence)
		}
	} else {
		round = newVotingRound(msg.ProposalID, msg.Proposal, msg.Proposer, msg.View, msg.Sequence, e.cfg.RoundTimeout, e.clock.UTCNow())
		round.PrePrepareMsg = &msg
		sh.rounds[msg.ProposalID] = round
		e.scheduleTimeout(round)
	}
	if round.Phase == PhasePrePrepare {
		round.Phase = PhasePrepare
	}
	alreadySent := round.PrepareSent
	sh.mu.Unlock()

	if alreadySent {
		return
	}

	prepSig, err := e.signProposal(msg.Proposal)
	if err != nil {
		return
	}
	prepare := PrepareMsg{
		ProposalID: msg.ProposalID,
		View:       msg.View,
		Sequence:   msg.Sequence,
		Voter:      e.self,
		Digest:     digest,
		Timestamp:  e.clock.UTCNow(),
		Sig:        prepSig,
	}

	sh.mu.Lock()
	round.PrepareSent = true
	round.PrepareVotes[e.self] = prepare
	sh.mu.Unlock()

	raw, err := encodeMessage(wirePrepare, prepare)
	if err != nil {
		return
	}
	_ = e.transport.Broadcast(context.Background(), raw)

	e.maybeAdvanceToCommit(round, agents)
}

func (e *Engine) handlePrepare(msg PrepareMsg) {
	sh := e.shardFor(msg.ProposalID)
	sh.mu.Lock()
	round, ok := sh.rounds[msg.ProposalID]
	sh.mu.Unlock()
	if !ok {
		return // Prepare arrived before our PrePrepare; drop (spec tolerates reorder at the transport layer, but a round must exist locally to vote into)
	}
	if msg.Digest != Digest(round.Proposal) {
		return // only Prepares matching the round's proposal digest count toward quorum
	}

	if !e.verify(msg.Sig, msg.Digest) {
		e.flagSignatureFailure(msg.Voter)
		return
	}

	agents := e.eligibleAgents()
	if !containsAgent(agents, msg.Voter) {
		return // S4: non-eligible voters are dropped, never counted toward quorum
	}

	sh.mu.Lock()
	if _, dup := round.PrepareVotes[msg.Voter]; !dup {
		round.PrepareVotes[msg.Voter] = msg
	}
	sh.mu.Unlock()

	e.maybeAdvanceToCommit(round, agents)
}

func (e *Engine) maybeAdvanceToCommit(round *VotingRound, agents []ids.AgentId) {
	q := QuorumSize(len(agents))

	sh := e.shardFor(round.ProposalID)
	sh.mu.Lock()
	if round.Phase == PhaseFailed || round.Phase == PhaseCommitted {
		sh.mu.Unlock()
		return
	}
	if len(round.PrepareVotes) < q || round.CommitSent {
		sh.mu.Unlock()
		return
	}
	round.Phase = PhaseCommit
	round.CommitSent = true
	digest := Digest(round.Proposal)
	sh.mu.Unlock()

	sig, err := e.signProposal(round.Proposal)
	if err != nil {
		return
	}
	commit := CommitMsg{
		ProposalID: round.ProposalID,
		View:       round.View,
		Sequence:   round.Sequence,
		Voter:      e.self,
		Digest:     digest,
		Timestamp:  e.clock.UTCNow(),
		Sig:        sig,
	}

	sh.mu.Lock()
	round.CommitVotes[e.self] = commit
	sh.mu.Unlock()

	raw, err := encodeMessage(wireCommit, commit)
	if err != nil {
		return
	}
	_ = e.transport.Broadcast(context.Background(), raw)

	e.maybeFinalize(round, agents)
}

func (e *Engine) handleCommit(msg CommitMsg) {
	sh := e.shardFor(msg.ProposalID)
	sh.mu.Lock()
	round, ok := sh.rounds[msg.ProposalID]
	sh.mu.Unlock()
	if !ok {
		return
	}
	if msg.Digest != Digest(round.Proposal) {
		return // only Commits matching the round's proposal digest count toward quorum
	}

	if !e.verify(msg.Sig, msg.Digest) {
		e.flagSignatureFailure(msg.Voter)
		return
	}

	agents := e.eligibleAgents()
	if !containsAgent(agents, msg.Voter) {
		return
	}

	sh.mu.Lock()
	if _, dup := round.CommitVotes[msg.Voter]; !dup {
		round.CommitVotes[msg.Voter] = msg
	}
	sh.mu.Unlock()

	e.maybeFinalize(round, agents)
}

func (e *Engine) maybeFinalize(round *VotingRound, agents []ids.AgentId) {
	q := QuorumSize(len(agents))

	sh := e.shardFor(round.ProposalID)
	sh.mu.Lock()
	if round.Phase == PhaseCommitted || round.Phase == PhaseFailed {
		sh.mu.Unlock()
		return
	}
	if len(round.CommitVotes) < q {
		sh.mu.Unlock()
		return
	}
	round.Phase = PhaseCommitted

	participants := make([]ids.AgentId, 0, len(round.CommitVotes))
	sigs := make([]Signature, 0, len(round.CommitVotes))
	for agent, c := range round.CommitVotes {
		participants = append(participants, agent)
		sigs = append(sigs, c.Sig)
	}
	qc := QuorumCertificate{
		ProposalID: round.ProposalID,
		Phase:      PhaseCommitted,
		View:       round.View,
		Signatures: sigs,
		CreatedAt:  e.clock.UTCNow(),
	}
	result := &Result{
		ProposalID:        round.ProposalID,
		Proposal:          round.Proposal,
		Decision:          DecisionAccepted,
		View:              round.View,
		Participants:      participants,
		QuorumCertificate: qc,
		CompletedAt:       e.clock.UTCNow(),
		Duration:          e.clock.UTCNow().Sub(round.StartedAt),
	}
	round.Result = result
	sh.mu.Unlock()

	e.resultsMu.Lock()
	e.results[round.ProposalID] = result
	e.resultsMu.Unlock()

	e.logger.Info("consensus: round committed",
		zap.String("proposal_id", round.ProposalID.String()),
		zap.Int("participants", len(participants)))
	roundsTotal.WithLabelValues(string(DecisionAccepted)).Inc()

	e.emitCheckpointIfDue(round.Sequence)
}

func containsAgent(agents []ids.AgentId, agent ids.AgentId) bool {
	for _, a := range agents {
		if a == agent {
			return true
		}
	}
	return false
}

// scheduleTimeout arms round.Timeout from clock.After; on expiry without
// Committed it triggers a ViewChange, per spec.md §4.3's liveness rule.
func (e *Engine) scheduleTimeout(round *VotingRound) {
	deadline := round.Timeout
	ch := e.clock.After(deadline)
	go func() {
		<-ch
		e.onRoundTimeout(round)
	}()
}

func (e *Engine) onRoundTimeout(round *VotingRound) {
	sh := e.shardFor(round.ProposalID)
	sh.mu.Lock()
	committed := round.Phase == PhaseCommitted
	sh.mu.Unlock()
	if committed {
		return
	}
	e.requestViewChange(round)
}

// Result returns the terminal outcome of proposalID, if any, non-blocking.
func (e *Engine) Result(proposalID ids.ProposalId) (*Result, bool) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	r, ok := e.results[proposalID]
	return r, ok
}

// View returns the current view number as observed locally.
func (e *Engine) View() uint64 {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.currentView
}

// Agents returns the current registered agent set A.
func (e *Engine) Agents() []ids.AgentId {
	e.agentsMu.RLock()
	defer e.agentsMu.RUnlock()
	return append([]ids.AgentId{}, e.agents...)
}

// CurrentPrimary returns primary(view) computed over the trust/health
// eligible subset of A, for callers that need to hint a rejected proposer
// toward the agent that would actually be accepted.
func (e *Engine) CurrentPrimary() (ids.AgentId, bool) {
	return Primary(e.eligibleAgents(), e.View())
}

// StableCheckpoint returns the last consensus checkpoint sequence this
// agent has accepted, for callers (e.g. the checkpoint-restore recovery
// strategy) that need a watermark without reaching into view-change
// internals.
func (e *Engine) StableCheckpoint() uint64 {
	return e.lastStableCheckpoint()
}

// PruneExpired drops rounds whose result was recorded longer than
// RoundRetention ago and results older than ResultRetention, per spec.md §3.
func (e *Engine) PruneExpired() {
	now := e.clock.UTCNow()

	for _, sh := range e.shards {
		sh.mu.Lock()
		for id, r := range sh.rounds {
			if r.Result != nil && now.Sub(r.Result.CompletedAt) > e.cfg.RoundRetention {
				delete(sh.rounds, id)
			}
		}
		sh.mu.Unlock()
	}

	e.resultsMu.Lock()
	for id, r := range e.results {
		if now.Sub(r.CompletedAt) > e.cfg.ResultRetention {
			delete(e.results, id)
		}
	}
	e.resultsMu.Unlock()
}
