package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// requestViewChange is triggered when round.Timeout elapses without a
// Commit. It broadcasts a ViewChangeMsg carrying whatever PreparedCert
// evidence this agent holds, so the next primary can safely resume
// in-flight proposals instead of re-proposing from scratch.
func (e *Engine) requestViewChange(round *VotingRound) {
	e.viewMu.Lock()
	e.vcAttempts++
	attempts := e.vcAttempts
	newView := e.currentView + 1
	e.viewMu.Unlock()

	sh := e.shardFor(round.ProposalID)
	sh.mu.Lock()
	if round.Phase != PhaseFailed && round.Phase != PhaseCommitted {
		round.Phase = PhaseFailed
	}
	sh.mu.Unlock()

	if attempts > e.cfg.MaxViewChanges {
		e.failRound(round, "view change attempts exhausted")
		return
	}

	certs := e.collectPreparedCerts()
	viewChangesTotal.Inc()

	vc := ViewChangeMsg{
		NewView:              newView,
		Agent:                e.self,
		LastStableCheckpoint: e.lastStableCheckpoint(),
		PreparedCerts:        certs,
		Timestamp:            e.clock.UTCNow(),
	}
	digest := digestViewChange(vc)
	sig, err := e.signDigest(digest)
	if err != nil {
		return
	}
	vc.Sig = sig

	e.viewMu.Lock()
	if e.viewChanges[newView] == nil {
		e.viewChanges[newView] = make(map[ids.AgentId]ViewChangeMsg)
	}
	e.viewChanges[newView][e.self] = vc
	e.viewMu.Unlock()

	raw, err := encodeMessage(wireViewChange, vc)
	if err != nil {
		return
	}
	_ = e.transport.Broadcast(context.Background(), raw)

	e.maybeFormNewView(newView)
}

func (e *Engine) failRound(round *VotingRound, reason string) {
	sh := e.shardFor(round.ProposalID)
	sh.mu.Lock()
	round.Phase = PhaseFailed
	result := &Result{
		ProposalID:    round.ProposalID,
		Proposal:      round.Proposal,
		Decision:      DecisionFailed,
		View:          round.View,
		FailureReason: reason,
		CompletedAt:   e.clock.UTCNow(),
		Duration:      e.clock.UTCNow().Sub(round.StartedAt),
	}
	round.Result = result
	sh.mu.Unlock()

	e.resultsMu.Lock()
	e.results[round.ProposalID] = result
	e.resultsMu.Unlock()

	e.logger.Warn("consensus: round failed", zap.String("proposal_id", round.ProposalID.String()), zap.String("reason", reason))
	roundsTotal.WithLabelValues(string(DecisionFailed)).Inc()
}

// collectPreparedCerts gathers, for every round that reached quorum on
// Prepare but never committed, the evidence a new primary needs to resume
// it without re-proposing.
func (e *Engine) collectPreparedCerts() []PreparedCert {
	agents := e.eligibleAgents()
	q := QuorumSize(len(agents))

	var certs []PreparedCert
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, round := range sh.rounds {
			if round.Phase == PhaseCommitted || len(round.PrepareVotes) < q {
				continue
			}
			sigs := make([]Signature, 0, len(round.PrepareVotes))
			for _, p := range round.PrepareVotes {
				sigs = append(sigs, p.Sig)
			}
			certs = append(certs, PreparedCert{
				ProposalID:        round.ProposalID,
				View:              round.View,
				Sequence:          round.Sequence,
				Digest:            Digest(round.Proposal),
				PrepareSignatures: sigs,
			})
		}
		sh.mu.Unlock()
	}
	return certs
}

func (e *Engine) lastStableCheckpoint() uint64 {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	return e.stableCheckpoint
}

// handleViewChange records an inbound ViewChangeMsg and, once this agent is
// the primary for msg.NewView and holds quorum worth of ViewChanges, forms
// and broadcasts a NewView.
func (e *Engine) handleViewChange(msg ViewChangeMsg) {
	agents := e.eligibleAgents()
	if !containsAgent(agents, msg.Agent) {
		return
	}
	if !e.verify(msg.Sig, digestViewChange(msg)) {
		e.flagSignatureFailure(msg.Agent)
		return
	}

	e.viewMu.Lock()
	if e.viewChanges[msg.NewView] == nil {
		e.viewChanges[msg.NewView] = make(map[ids.AgentId]ViewChangeMsg)
	}
	e.viewChanges[msg.NewView][msg.Agent] = msg
	e.viewMu.Unlock()

	e.maybeFormNewView(msg.NewView)
}

func (e *Engine) maybeFormNewView(view uint64) {
	agents := e.eligibleAgents()
	q := QuorumSize(len(agents))

	if !IsPrimary(agents, view, e.self) {
		return
	}

	e.viewMu.Lock()
	collected := e.viewChanges[view]
	if len(collected) < q {
		e.viewMu.Unlock()
		return
	}
	vcs := make([]ViewChangeMsg, 0, len(collected))
	for _, vc := range collected {
		vcs = append(vcs, vc)
	}
	e.viewMu.Unlock()

	resumed := e.buildResumedPrePrepares(vcs, view)

	nv := NewViewMsg{
		View:               view,
		ViewChanges:        vcs,
		ResumedPrePrepares: resumed,
		Primary:            e.self,
		Timestamp:          e.clock.UTCNow(),
	}
	sig, err := e.signDigest(digestNewView(nv))
	if err != nil {
		return
	}
	nv.Sig = sig

	raw, err := encodeMessage(wireNewView, nv)
	if err != nil {
		return
	}
	_ = e.transport.Broadcast(context.Background(), raw)

	e.applyNewView(nv)
}

// buildResumedPrePrepares re-issues a PrePrepare at the new view for every
// distinct proposal carried by a PreparedCert in vcs, so work that was
// prepared (but never committed) under the old view is not silently lost.
func (e *Engine) buildResumedPrePrepares(vcs []ViewChangeMsg, view uint64) []PrePrepareMsg {
	seen := make(map[ids.ProposalId]bool)
	var resumed []PrePrepareMsg
	for _, vc := range vcs {
		for _, cert := range vc.PreparedCerts {
			if seen[cert.ProposalID] {
				continue
			}
			sh := e.shardFor(cert.ProposalID)
			sh.mu.Lock()
			round, ok := sh.rounds[cert.ProposalID]
			sh.mu.Unlock()
			if !ok || round.PrePrepareMsg == nil {
				continue
			}
			seen[cert.ProposalID] = true
			msg := *round.PrePrepareMsg
			msg.View = view
			resumed = append(resumed, msg)
		}
	}
	return resumed
}

// handleNewView verifies the new primary's announcement and, if every
// carried ViewChangeMsg and PreparedCert checks out individually (per
// spec.md's requirement for per-certificate rather than aggregate
// verification), advances the local view and resumes prepared work.
func (e *Engine) handleNewView(msg NewViewMsg) {
	agents := e.eligibleAgents()
	expected, ok := Primary(agents, msg.View)
	if !ok || expected != msg.Primary {
		return
	}
	if !e.verify(msg.Sig, digestNewView(msg)) {
		e.flagSignatureFailure(msg.Primary)
		return
	}

	q := QuorumSize(len(agents))
	if len(msg.ViewChanges) < q {
		return
	}
	for _, vc := range msg.ViewChanges {
		if !containsAgent(agents, vc.Agent) {
			return
		}
		if !e.verify(vc.Sig, digestViewChange(vc)) {
			e.flagSignatureFailure(vc.Agent)
			return
		}
		for _, cert := range vc.PreparedCerts {
			for _, sig := range cert.PrepareSignatures {
				if !e.verify(sig, cert.Digest) {
					e.flagSignatureFailure(sig.Signer)
					return
				}
			}
		}
	}

	e.applyNewView(msg)
}

func (e *Engine) applyNewView(msg NewViewMsg) {
	e.viewMu.Lock()
	if msg.View <= e.currentView {
		e.viewMu.Unlock()
		return
	}
	e.currentView = msg.View
	e.vcAttempts = 0
	delete(e.viewChanges, msg.View)
	e.viewMu.Unlock()

	currentViewGauge.WithLabelValues(e.self.String()).Set(float64(msg.View))

	for _, pp := range msg.ResumedPrePrepares {
		e.handlePrePrepare(pp)
	}
}

// handleCheckpoint records a peer's stable-checkpoint vote and, once q
// agents agree on the same (sequence, digest), advances the local stable
// checkpoint and prunes committed rounds below it.
func (e *Engine) handleCheckpoint(msg CheckpointMsg) {
	agents := e.eligibleAgents()
	if !containsAgent(agents, msg.Agent) {
		return
	}
	if !e.verify(msg.Sig, digestCheckpoint(msg)) {
		e.flagSignatureFailure(msg.Agent)
		return
	}

	e.checkpointMu.Lock()
	if e.checkpointVotes[msg.Sequence] == nil {
		e.checkpointVotes[msg.Sequence] = make(map[ids.AgentId][32]byte)
	}
	e.checkpointVotes[msg.Sequence][msg.Agent] = msg.StateDigest
	votes := e.checkpointVotes[msg.Sequence]
	e.checkpointMu.Unlock()

	q := QuorumSize(len(agents))
	tally := make(map[[32]byte]int)
	for _, d := range votes {
		tally[d]++
	}
	reached := false
	for _, n := range tally {
		if n >= q {
			reached = true
			break
		}
	}
	if !reached {
		return
	}

	e.checkpointMu.Lock()
	if msg.Sequence > e.stableCheckpoint {
		e.stableCheckpoint = msg.Sequence
	}
	delete(e.checkpointVotes, msg.Sequence)
	e.checkpointMu.Unlock()

	e.pruneBelowCheckpoint(msg.Sequence)
}

func (e *Engine) pruneBelowCheckpoint(seq uint64) {
	for _, sh := range e.shards {
		sh.mu.Lock()
		for id, r := range sh.rounds {
			if r.Sequence < seq && r.Phase == PhaseCommitted {
				delete(sh.rounds, id)
			}
		}
		sh.mu.Unlock()
	}
}

// emitCheckpointIfDue broadcasts a CheckpointMsg for the latest committed
// sequence once it crosses CheckpointInterval boundaries. Callers invoke
// this periodically (e.g. after each commit or on a ticker).
func (e *Engine) emitCheckpointIfDue(seq uint64) {
	if e.cfg.CheckpointInterval == 0 || seq%e.cfg.CheckpointInterval != 0 {
		return
	}
	digest := e.stateDigest(seq)
	cp := CheckpointMsg{
		Sequence:    seq,
		StateDigest: digest,
		Agent:       e.self,
		Timestamp:   e.clock.UTCNow(),
	}
	sig, err := e.signDigest(digest)
	if err != nil {
		return
	}
	cp.Sig = sig

	raw, err := encodeMessage(wireCheckpoint, cp)
	if err != nil {
		return
	}
	_ = e.transport.Broadcast(context.Background(), raw)
	e.handleCheckpoint(cp)
}

// stateDigest hashes the set of committed ProposalIDs known at or below
// seq — a coarse but deterministic summary agents can agree on without
// exchanging full trust/consensus state, per the checkpoint's role as a
// watermark rather than a state dump.
func (e *Engine) stateDigest(seq uint64) [32]byte {
	h := sha256.New()
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, r := range sh.rounds {
			if r.Sequence <= seq && r.Phase == PhaseCommitted {
				id := r.ProposalID
				h.Write(id[:])
			}
		}
		sh.mu.Unlock()
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Engine) signDigest(digest [32]byte) (Signature, error) {
	if e.privateKey == nil {
		return Signature{Signer: e.self, Algorithm: "none"}, nil
	}
	sig := e.oracle.Sign(e.privateKey, digest[:])
	return Signature{Signer: e.self, Bytes: sig, Algorithm: "ed25519"}, nil
}

func digestViewChange(vc ViewChangeMsg) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], vc.NewView)
	h.Write(buf[:])
	h.Write(vc.Agent[:])
	binary.LittleEndian.PutUint64(buf[:], vc.LastStableCheckpoint)
	h.Write(buf[:])
	for _, c := range vc.PreparedCerts {
		h.Write(c.ProposalID[:])
		h.Write(c.Digest[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func digestNewView(nv NewViewMsg) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nv.View)
	h.Write(buf[:])
	h.Write(nv.Primary[:])
	for _, vc := range nv.ViewChanges {
		h.Write(vc.Agent[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func digestCheckpoint(cp CheckpointMsg) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], cp.Sequence)
	h.Write(buf[:])
	h.Write(cp.StateDigest[:])
	h.Write(cp.Agent[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
