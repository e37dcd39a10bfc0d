package trust

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/swarmerr"
)

var (
	trustScoreGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmcore_trust_score",
		Help: "Current trust value for an agent",
	}, []string{"agent"})

	trustConfidenceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmcore_trust_confidence",
		Help: "Current trust confidence for an agent",
	}, []string{"agent"})

	trustEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_trust_events_total",
		Help: "Total trust update events processed, by reason",
	}, []string{"reason"})

	trustAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_trust_alerts_total",
		Help: "Total trust threshold alerts emitted, by severity",
	}, []string{"severity"})
)

// baseDeltas are the per-reason score deltas of spec.md §4.2. PermanentFailure
// and ManualAdjustment are handled specially and never consult this table.
var baseDeltas = map[ReasonKind]float64{
	ReasonTaskSuccess:      0.02,
	ReasonPromiseKept:      0.01,
	ReasonVerificationPass: 0.01,
	ReasonTaskFailure:      -0.05,
	ReasonPromiseBroken:    -0.10,
	ReasonVerificationFail: -0.05,
}

const (
	decayFactorPerInterval = 0.99
	maxDecayIntervals      = 10
)

// AlertSeverity classifies a threshold-crossing alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is emitted when an agent's trust value crosses a configured
// threshold on its way down, per spec.md §4.2.
type Alert struct {
	Agent     ids.AgentId
	Severity  AlertSeverity
	Value     float64
	Timestamp time.Time
}

// AlertSink receives Alerts. Implementations must not block the caller for
// long; the Manager invokes sinks synchronously inside the write path.
type AlertSink func(Alert)

// Config tunes the Manager. Zero values are replaced by defaults mirroring
// spec.md §6's enumerated configuration keys.
type Config struct {
	MinTrustThreshold  float64       // alert floor, default 0.3
	CriticalThreshold  float64       // critical-alert floor, default 0.1
	DecayInterval      time.Duration // default 24h
	ShardCount         int           // per-agent lock shards, default 16
}

func (c Config) withDefaults() Config {
	if c.MinTrustThreshold == 0 {
		c.MinTrustThreshold = 0.3
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.1
	}
	if c.DecayInterval == 0 {
		c.DecayInterval = 24 * time.Hour
	}
	if c.ShardCount == 0 {
		c.ShardCount = 16
	}
	return c
}

// Manager is the Trust Manager (C2): the in-memory evaluation layer over a
// durable Store. Reads take a copy-on-write snapshot of the relevant shard;
// writes serialize per-shard and write through to the Store inside one
// transaction, so a score upsert and its audit record never diverge.
type Manager struct {
	store  Store
	clock  clockutil.Clock
	logger *zap.Logger
	cfg    Config

	shards []*shard
	sinks  []AlertSink
	mu     sync.RWMutex // guards sinks only
}

type shard struct {
	mu     sync.Mutex
	scores map[ids.AgentId]Score
}

// NewManager constructs a Manager backed by store. It eagerly loads all
// scores from the store into its shards so reads never miss a cold cache.
func NewManager(ctx context.Context, store Store, clock clockutil.Clock, logger *zap.Logger, cfg Config) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	m := &Manager{store: store, clock: clock, logger: logger, cfg: cfg}
	m.shards = make([]*shard, cfg.ShardCount)
	for i := range m.shards {
		m.shards[i] = &shard{scores: make(map[ids.AgentId]Score)}
	}

	all, err := store.GetAllScores(ctx)
	if err != nil {
		return nil, err
	}
	for agent, score := range all {
		sh := m.shardFor(agent)
		sh.mu.Lock()
		sh.scores[agent] = score
		sh.mu.Unlock()
	}
	return m, nil
}

func (m *Manager) shardFor(agent ids.AgentId) *shard {
	b := agent[0]
	return m.shards[int(b)%len(m.shards)]
}

// Subscribe registers sink to receive future threshold alerts.
func (m *Manager) Subscribe(sink AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Score returns a read-only snapshot of agent's current score, creating a
// neutral record on first observation without persisting it (persistence
// happens on the first real Update).
func (m *Manager) Score(_ context.Context, agent ids.AgentId) Score {
	sh := m.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.scores[agent]; ok {
		return s
	}
	return neutralScore(agent, m.clock.UTCNow())
}

// AllScores returns a copy-on-write snapshot across every shard.
func (m *Manager) AllScores() map[ids.AgentId]Score {
	out := make(map[ids.AgentId]Score)
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, v := range sh.scores {
			out[k] = v
		}
		sh.mu.Unlock()
	}
	return out
}

// Update applies event's reason to agent's current score using the
// deterministic rule of spec.md §4.2, writes the resulting score and its
// audit record through one Store transaction, and emits threshold alerts on
// the way down. It returns the committed Update.
func (m *Manager) Update(ctx context.Context, event Event) (Update, error) {
	now := event.Now
	if now.IsZero() {
		now = m.clock.UTCNow()
	}

	sh := m.shardFor(event.Agent)
	sh.mu.Lock()
	prev, ok := sh.scores[event.Agent]
	if !ok {
		prev = neutralScore(event.Agent, now)
	}
	curr := applyEvent(prev, event, now, m.cfg)
	sh.scores[event.Agent] = curr
	sh.mu.Unlock()

	update := Update{
		Agent:         event.Agent,
		PreviousScore: prev,
		CurrentScore:  curr,
		Reason:        event.Reason,
		Timestamp:     now,
	}

	if err := m.writeThrough(ctx, curr, update); err != nil {
		// Roll back the in-memory shard to the pre-update value: the Store
		// is the source of truth and this event never happened if it
		// didn't persist.
		sh.mu.Lock()
		sh.scores[event.Agent] = prev
		sh.mu.Unlock()
		return Update{}, err
	}

	trustScoreGauge.WithLabelValues(event.Agent.String()).Set(curr.Value)
	trustConfidenceGauge.WithLabelValues(event.Agent.String()).Set(curr.Confidence)
	trustEventsTotal.WithLabelValues(string(event.Reason.Kind)).Inc()

	m.maybeAlert(prev, curr, now)
	return update, nil
}

func (m *Manager) writeThrough(ctx context.Context, score Score, update Update) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.PutScore(score); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.AppendUpdate(update); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) maybeAlert(prev, curr Score, now time.Time) {
	crossed := func(threshold float64) bool {
		return prev.Value >= threshold && curr.Value < threshold
	}
	var severity AlertSeverity
	switch {
	case crossed(m.cfg.CriticalThreshold):
		severity = AlertCritical
	case crossed(m.cfg.MinTrustThreshold):
		severity = AlertWarning
	default:
		return
	}

	alert := Alert{Agent: curr.Agent, Severity: severity, Value: curr.Value, Timestamp: now}
	trustAlertsTotal.WithLabelValues(string(severity)).Inc()
	m.logger.Warn("trust threshold crossed",
		zap.String("agent", curr.Agent.String()),
		zap.String("severity", string(severity)),
		zap.Float64("value", curr.Value))

	m.mu.RLock()
	sinks := append([]AlertSink(nil), m.sinks...)
	m.mu.RUnlock()
	for _, sink := range sinks {
		sink(alert)
	}
}

// applyEvent computes the next Score from prev given event, implementing
// the exact rule of spec.md §4.2.
func applyEvent(prev Score, event Event, now time.Time, cfg Config) Score {
	if event.Reason.Kind == ReasonPermanentFailure {
		return Score{
			Agent:        event.Agent,
			Value:        0,
			Confidence:   1,
			Interactions: prev.Interactions + 1,
			LastUpdated:  now,
		}
	}

	k := prev.Interactions
	confidence := math.Min(1, prev.Confidence+1/(float64(k+1)+10))

	value := prev.Value
	if !prev.LastUpdated.IsZero() {
		elapsed := now.Sub(prev.LastUpdated)
		if elapsed > cfg.DecayInterval {
			intervals := int(elapsed / cfg.DecayInterval)
			if intervals > maxDecayIntervals {
				intervals = maxDecayIntervals
			}
			value *= math.Pow(decayFactorPerInterval, float64(intervals))
		}
	}

	var delta float64
	if event.Reason.Kind == ReasonManualAdjustment {
		delta = clamp(event.ManualDelta, -1, 1)
	} else {
		delta = baseDeltas[event.Reason.Kind]
	}

	weight := 1 - prev.Confidence
	value = clamp(value*(1+weight)+delta, 0, 1)

	return Score{
		Agent:        event.Agent,
		Value:        value,
		Confidence:   confidence,
		Interactions: k + 1,
		LastUpdated:  now,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SeedScore installs an initial score for agent without running it through
// applyEvent's delta/decay rule, used by an AgentJoin proposal to honor the
// caller-supplied initial_trust instead of letting the first real event
// start from the neutral 0.5/0 baseline. Confidence starts at 0, same as a
// first observation, since a seeded score still reflects zero interactions.
func (m *Manager) SeedScore(ctx context.Context, agent ids.AgentId, initialValue float64, now time.Time) (Score, error) {
	score := Score{Agent: agent, Value: clamp(initialValue, 0, 1), Confidence: 0, Interactions: 0, LastUpdated: now}
	update := Update{
		Agent:         agent,
		PreviousScore: neutralScore(agent, now),
		CurrentScore:  score,
		Reason:        Reason{Kind: ReasonManualAdjustment, Text: "agent_join_initial_trust"},
		Timestamp:     now,
	}
	if err := m.writeThrough(ctx, score, update); err != nil {
		return Score{}, err
	}
	sh := m.shardFor(agent)
	sh.mu.Lock()
	sh.scores[agent] = score
	sh.mu.Unlock()
	trustScoreGauge.WithLabelValues(agent.String()).Set(score.Value)
	trustConfidenceGauge.WithLabelValues(agent.String()).Set(score.Confidence)
	return score, nil
}

// RemoveAgent deletes agent from both the in-memory shard and the Store.
func (m *Manager) RemoveAgent(ctx context.Context, agent ids.AgentId) error {
	sh := m.shardFor(agent)
	sh.mu.Lock()
	delete(sh.scores, agent)
	sh.mu.Unlock()
	if err := m.store.RemoveAgent(ctx, agent); err != nil {
		return swarmerr.Storage("remove agent", err)
	}
	return nil
}

// Eligible returns the subset of agents whose trust value meets minValue —
// the gate consensus uses (spec.md §5's eligibility filter) to decide voting
// membership.
func (m *Manager) Eligible(agents []ids.AgentId, minValue float64) []ids.AgentId {
	out := make([]ids.AgentId, 0, len(agents))
	for _, a := range agents {
		if m.Score(context.Background(), a).Value >= minValue {
			out = append(out, a)
		}
	}
	return out
}
