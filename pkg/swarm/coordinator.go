// Package swarm assembles the Trust Store (C1), Trust Manager (C2),
// Consensus Engine (C3), Fault Tolerance Manager (C4), and Recovery
// Strategy Dispatcher (C5) behind the single external surface named in
// spec.md §6: submit_proposal, on_message, result, register_agent /
// unregister_agent, record_task_outcome, heartbeat, and recover.
//
// Nothing below replaces any component's own internal logic; Coordinator
// only wires their narrow collaborator seams (TargetPicker,
// AgentInitializer, TrustSnapshotter, WatermarkSource, ConcurrencyReducer,
// AgentSetShrinker) to each other and owns the process-lifetime plumbing
// (construction order, Start/Close, the periodic agent-removal sweep) that
// none of C1-C5 is responsible for on its own.
package swarm

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/consensus"
	"github.com/aidenlippert/swarmcore/internal/faulttolerance"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/recovery"
	"github.com/aidenlippert/swarmcore/internal/sigoracle"
	"github.com/aidenlippert/swarmcore/internal/swarmerr"
	"github.com/aidenlippert/swarmcore/internal/transport"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

var (
	agentsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmcore_coordinator_agent_removals_total",
		Help: "Agent-removal proposals submitted after a failed-agent sweep",
	})
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmcore_coordinator_sweep_errors_total",
		Help: "Failed-agent sweep iterations that could not submit a removal proposal",
	})
)

// Options collects every external collaborator and config needed to build
// a Coordinator. Fields left zero get a conservative default (see New).
type Options struct {
	Self       ids.AgentId
	PrivateKey ed25519.PrivateKey // nil => consensus runs unsigned (tests, local single-process)
	Resolver   consensus.KeyResolver
	Transport  transport.Transport
	Store      trust.Store
	Clock      clockutil.Clock
	Logger     *zap.Logger
	Oracle     sigoracle.Oracle

	// AgentInitializer restarts an agent's external process. It is not
	// required: without it, restart_agent recovery actions fail fast
	// (spawning/supervising agent processes is outside this core, per its
	// out-of-scope collaborators).
	AgentInitializer faulttolerance.AgentInitializer

	// ConcurrencyReducer and AgentSetShrinker back the degradation
	// recovery strategy. Both optional; without them the strategy reports
	// itself exhausted rather than pretending to shed load.
	ConcurrencyReducer recovery.ConcurrencyReducer
	AgentSetShrinker   recovery.AgentSetShrinker

	// SelfHealRules seeds the self-heal recovery strategy's rule table.
	SelfHealRules []recovery.SelfHealRule

	Config Config
}

// Coordinator is the single assembled instance of the agent-coordination
// core: one Trust Store/Manager pair, one Consensus Engine, one Fault
// Tolerance Manager, one Recovery Dispatcher, sharing a clock and logger.
type Coordinator struct {
	self      ids.AgentId
	logger    *zap.Logger
	clock     clockutil.Clock
	transport transport.Transport

	store      trust.Store
	trustMgr   *trust.Manager
	engine     *consensus.Engine
	ftMgr      *faulttolerance.Manager
	dispatcher *recovery.Dispatcher
	backups    *trust.BackupScheduler

	cfg Config

	agentsMu sync.RWMutex
	agents   map[ids.AgentId]struct{}

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New assembles a Coordinator: C1 (trust.Store, caller-supplied) -> C2
// (trust.Manager) -> C3 (consensus.Engine) -> C4 (faulttolerance.Manager,
// wired to a picker/initializer built from C2/C4 themselves) -> C5
// (recovery.Dispatcher, wired to C1's snapshot/restore and C3's
// checkpoint watermark). Nothing is started yet; call Start.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockutil.New()
	}
	if opts.Oracle == nil {
		opts.Oracle = sigoracle.Ed25519Oracle{}
	}
	if opts.Store == nil {
		opts.Store = trust.NewMemoryStore()
	}
	if opts.Transport == nil {
		return nil, swarmerr.Config("swarm: Transport is required")
	}
	if opts.Self.IsZero() {
		opts.Self = ids.NewAgentId()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = func(ids.AgentId) (ed25519.PublicKey, bool) { return nil, false }
	}

	trustMgr, err := trust.NewManager(ctx, opts.Store, opts.Clock, opts.Logger, opts.Config.Trust)
	if err != nil {
		return nil, fmt.Errorf("swarm: init trust manager: %w", err)
	}

	c := &Coordinator{
		self:      opts.Self,
		logger:    opts.Logger,
		clock:     opts.Clock,
		transport: opts.Transport,
		store:     opts.Store,
		trustMgr:  trustMgr,
		cfg:       opts.Config,
		agents:    make(map[ids.AgentId]struct{}),
	}

	var ftMgr *faulttolerance.Manager
	picker := func(excluding ids.AgentId) (ids.AgentId, bool) {
		return c.pickRedistributionTarget(ftMgr, excluding)
	}
	ftMgr = faulttolerance.New(opts.Clock, opts.Logger, trustMgr, picker, opts.AgentInitializer, opts.Config.FaultTolerance)
	c.ftMgr = ftMgr

	c.engine = consensus.New(opts.Self, opts.PrivateKey, resolver, opts.Transport, opts.Oracle, opts.Clock, trustMgr, opts.Logger, opts.Config.Consensus)

	watermark := func() uint64 { return c.engine.StableCheckpoint() }
	strategies := []recovery.Strategy{
		recovery.NewBackoffStrategy(opts.Clock, opts.Config.Recovery),
		recovery.NewCheckpointStrategy(opts.Clock, opts.Config.Recovery, opts.Store, watermark),
		recovery.NewDegradationStrategy(opts.Config.Recovery, opts.ConcurrencyReducer, opts.AgentSetShrinker),
		recovery.NewSelfHealStrategy(opts.Clock, opts.Config.Recovery, opts.SelfHealRules),
	}
	c.dispatcher = recovery.NewDispatcher(opts.Clock, opts.Logger, opts.Config.Recovery, strategies...)

	dir := opts.Config.BackupDir
	if dir != "" {
		c.backups = trust.NewBackupScheduler(opts.Store, opts.Clock, opts.Logger, dir, opts.Config.BackupInterval, opts.Config.MaxBackupFiles)
	}

	c.unsubscribe = opts.Transport.Subscribe(func(from ids.AgentId, payload []byte) {
		if err := c.engine.OnMessage(context.Background(), payload); err != nil {
			c.logger.Debug("swarm: dropped inbound message", zap.String("from", from.String()), zap.Error(err))
		}
	})

	return c, nil
}

// pickRedistributionTarget implements faulttolerance.TargetPicker: the
// first registered agent, other than excluding, that is healthy, idle
// (no CurrentTask), and trust-eligible.
func (c *Coordinator) pickRedistributionTarget(ftMgr *faulttolerance.Manager, excluding ids.AgentId) (ids.AgentId, bool) {
	minTrust := c.cfg.Consensus.MinVotingTrust
	if minTrust == 0 {
		minTrust = 0.5
	}
	for _, hb := range ftMgr.AllHeartbeats() {
		if hb.Agent == excluding {
			continue
		}
		if hb.Health != faulttolerance.HealthHealthy || hb.CurrentTask != "" {
			continue
		}
		if c.trustMgr.Score(context.Background(), hb.Agent).Value < minTrust {
			continue
		}
		return hb.Agent, true
	}
	return ids.AgentId{}, false
}

// Start launches the Fault Tolerance Manager's heartbeat/sweep/recovery
// loops, the Trust Store backup scheduler (if configured), and the
// failed-agent removal sweep. Call Close to stop everything.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.ftMgr.Start(ctx)

	if c.backups != nil {
		if err := c.backups.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("swarm: start backup scheduler: %w", err)
		}
	}

	c.wg.Add(1)
	go c.removalSweepLoop(ctx)

	return nil
}

// Close stops every background loop and releases the underlying
// collaborators this Coordinator owns.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	var errs []error
	if err := c.ftMgr.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.backups != nil {
		if err := c.backups.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// removalSweepLoop periodically checks for agents the Fault Tolerance
// Manager has marked Failed but which the Consensus Engine still counts
// as registered, and — when this agent is primary — submits an
// AgentRemoval proposal for them. This is the "possibly triggering C3 to
// propose an agent removal" data flow between C4 and C3.
func (c *Coordinator) removalSweepLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.FaultTolerance.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepFailedAgents(ctx)
		}
	}
}

func (c *Coordinator) sweepFailedAgents(ctx context.Context) {
	primary, ok := c.engine.CurrentPrimary()
	if !ok || primary != c.self {
		return
	}
	for _, hb := range c.ftMgr.AllHeartbeats() {
		if hb.Health != faulttolerance.HealthFailed {
			continue
		}
		if !containsAgent(c.engine.Agents(), hb.Agent) {
			continue
		}
		_, err := c.engine.SubmitProposal(ctx, consensus.Proposal{
			Kind:         consensus.ProposalAgentRemoval,
			RemoveAgent:  hb.Agent,
			RemoveReason: "fault_tolerance_marked_failed",
		})
		if err != nil {
			sweepErrorsTotal.Inc()
			c.logger.Debug("swarm: removal sweep could not submit proposal", zap.String("agent", hb.Agent.String()), zap.Error(err))
			continue
		}
		agentsRemovedTotal.Inc()
	}
}

func containsAgent(agents []ids.AgentId, target ids.AgentId) bool {
	for _, a := range agents {
		if a == target {
			return true
		}
	}
	return false
}

// SubmitProposal is the external submit_proposal operation: only the
// current primary may submit. Non-primary callers get NotPrimaryError
// carrying the current primary hint; an undersized eligible agent set
// yields ErrInsufficientAgents.
func (c *Coordinator) SubmitProposal(ctx context.Context, proposal consensus.Proposal) (ids.ProposalId, error) {
	id, err := c.engine.SubmitProposal(ctx, proposal)
	if err == nil {
		return id, nil
	}

	var swErr *swarmerr.Error
	if errors.As(err, &swErr) {
		switch swErr.Kind {
		case swarmerr.KindResourceExhausted:
			return ids.ProposalId{}, ErrInsufficientAgents
		case swarmerr.KindProtocol:
			primary, hasPrimary := c.engine.CurrentPrimary()
			return ids.ProposalId{}, &NotPrimaryError{Primary: primary, HasPrimary: hasPrimary}
		}
	}
	return ids.ProposalId{}, err
}

// OnMessage is the external on_message operation: idempotent, and silent
// (beyond a metric/log line) on unknown or malformed input.
func (c *Coordinator) OnMessage(ctx context.Context, raw []byte) error {
	return c.engine.OnMessage(ctx, raw)
}

// Result is the external result operation: non-blocking.
func (c *Coordinator) Result(proposalID ids.ProposalId) (*consensus.Result, bool) {
	return c.engine.Result(proposalID)
}

// RegisterAgent is the external register_agent operation: reconfigures A
// on the Consensus Engine, seeds an initial trust score via C2, and adds
// the agent to C4's heartbeat/circuit-breaker tracking. Role is presently
// informational (spec.md's data model carries no per-agent role field
// beyond the AgentJoin proposal payload); callers that need a role-gated
// decision should drive it through their own AgentJoin proposal before
// calling RegisterAgent.
func (c *Coordinator) RegisterAgent(ctx context.Context, agent ids.AgentId, initialTrust float64) error {
	if _, err := c.trustMgr.SeedScore(ctx, agent, initialTrust, c.clock.UTCNow()); err != nil {
		return fmt.Errorf("swarm: seed trust score: %w", err)
	}
	c.engine.RegisterAgent(agent)
	c.ftMgr.RegisterAgent(agent)

	c.agentsMu.Lock()
	c.agents[agent] = struct{}{}
	c.agentsMu.Unlock()
	return nil
}

// UnregisterAgent is the external unregister_agent operation.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agent ids.AgentId) error {
	c.engine.UnregisterAgent(agent)
	c.ftMgr.UnregisterAgent(agent)
	if err := c.trustMgr.RemoveAgent(ctx, agent); err != nil {
		return fmt.Errorf("swarm: remove trust score: %w", err)
	}

	c.agentsMu.Lock()
	delete(c.agents, agent)
	c.agentsMu.Unlock()
	return nil
}

// RecordTaskOutcome is the external record_task_outcome operation: feeds
// both C2 (trust scoring) and C4 (performance tracking, circuit breaker).
// Never fails observably, per spec.md §7's "degrade trust/health silently".
func (c *Coordinator) RecordTaskOutcome(ctx context.Context, task string, agent ids.AgentId, success bool, duration time.Duration) {
	reason := trust.ReasonTaskSuccess
	if !success {
		reason = trust.ReasonTaskFailure
	}
	if _, err := c.trustMgr.Update(ctx, trust.Event{
		Agent:  agent,
		Reason: trust.Reason{Kind: reason},
		Now:    c.clock.UTCNow(),
	}); err != nil {
		c.logger.Warn("swarm: record task outcome trust update failed", zap.String("agent", agent.String()), zap.String("task", task), zap.Error(err))
	}
	c.ftMgr.RecordTaskOutcome(agent, success, float64(duration.Milliseconds()))
}

// Heartbeat is the external heartbeat operation: feeds C4 only. Never
// fails observably.
func (c *Coordinator) Heartbeat(agent ids.AgentId, currentTask string) {
	c.ftMgr.Heartbeat(agent, currentTask)
}

// Recover is the external recover operation: invokes C5 directly. task
// and agent are optional context carried through into the dispatched
// Failure.
func (c *Coordinator) Recover(ctx context.Context, kind recovery.FailureKind, cause error, task string, agent ids.AgentId, retry func(ctx context.Context) error) (recovery.Outcome, error) {
	return c.dispatcher.Recover(ctx, recovery.Failure{
		Kind:  kind,
		Err:   cause,
		Task:  task,
		Agent: agent,
		Now:   c.clock.UTCNow(),
		Retry: retry,
	})
}

// TrustScore exposes C2's current view of one agent, for callers (health
// checks, admission decisions) that need a read without going through a
// consensus round.
func (c *Coordinator) TrustScore(ctx context.Context, agent ids.AgentId) trust.Score {
	return c.trustMgr.Score(ctx, agent)
}

// Health exposes C4's current view of one agent's liveness.
func (c *Coordinator) Health(agent ids.AgentId) (faulttolerance.Heartbeat, bool) {
	return c.ftMgr.Health(agent)
}

// View returns the Consensus Engine's current view number.
func (c *Coordinator) View() uint64 {
	return c.engine.View()
}

// Self returns this Coordinator's own agent identity.
func (c *Coordinator) Self() ids.AgentId {
	return c.self
}

// PingTrustStore exercises C1's durable backend with a cheap read, for a
// liveness checker to call without reaching into the store directly.
func (c *Coordinator) PingTrustStore(ctx context.Context) error {
	_, err := c.store.GetAllScores(ctx)
	return err
}

// FailedAgentFraction returns the fraction of tracked agents C4 currently
// reports as Failed, for a liveness checker to grade overall swarm health.
func (c *Coordinator) FailedAgentFraction() float64 {
	hbs := c.ftMgr.AllHeartbeats()
	if len(hbs) == 0 {
		return 0
	}
	failed := 0
	for _, hb := range hbs {
		if hb.Health == faulttolerance.HealthFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(hbs))
}
