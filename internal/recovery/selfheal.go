package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
)

// SelfHealAction names the class of remedy a rule applies, matching
// spec.md §4.5's "restart component / adjust config / re-allocate / raise
// alert / run script" list.
type SelfHealAction string

const (
	ActionRestartComponent SelfHealAction = "restart_component"
	ActionAdjustConfig     SelfHealAction = "adjust_config"
	ActionReallocate       SelfHealAction = "reallocate"
	ActionRaiseAlert       SelfHealAction = "raise_alert"
	ActionRunScript        SelfHealAction = "run_script"
)

// SelfHealRule is one pattern -> action mapping. Pattern decides whether
// the rule applies to a Failure; Run performs the remedy. Cooldown, when
// nonzero, overrides the strategy's default.
type SelfHealRule struct {
	Name     string
	Action   SelfHealAction
	Pattern  func(f Failure) bool
	Run      func(ctx context.Context, f Failure) error
	Cooldown time.Duration
}

// SelfHealStrategy walks a fixed rule table, applying the first matching
// rule not currently in its cooldown window, to prevent repeated restarts
// or config churn from thrashing the same failing resource.
type SelfHealStrategy struct {
	clock clockutil.Clock
	cfg   Config
	rules []SelfHealRule

	mu       sync.Mutex
	lastFire map[string]time.Time
}

func NewSelfHealStrategy(clock clockutil.Clock, cfg Config, rules []SelfHealRule) *SelfHealStrategy {
	return &SelfHealStrategy{clock: clock, cfg: cfg, rules: rules, lastFire: make(map[string]time.Time)}
}

func (s *SelfHealStrategy) Name() string { return "self_heal_rules" }

func (s *SelfHealStrategy) Cost() float64 { return 0.5 }

func (s *SelfHealStrategy) Match(f Failure) bool {
	_, ok := s.matchingRule(f)
	return ok
}

func (s *SelfHealStrategy) matchingRule(f Failure) (SelfHealRule, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if !r.Pattern(f) {
			continue
		}
		cooldown := r.Cooldown
		if cooldown <= 0 {
			cooldown = s.cfg.SelfHealDefaultCooldown
		}
		if fired, ok := s.lastFire[r.Name]; ok && now.Sub(fired) < cooldown {
			continue
		}
		return r, true
	}
	return SelfHealRule{}, false
}

func (s *SelfHealStrategy) Recover(ctx context.Context, f Failure) Outcome {
	rule, ok := s.matchingRule(f)
	if !ok {
		return Outcome{Success: false, Detail: "no rule matched or all in cooldown", NoFurtherAttempts: true}
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastFire[rule.Name] = now
	s.mu.Unlock()

	if err := rule.Run(ctx, f); err != nil {
		return Outcome{Success: false, Detail: "rule " + rule.Name + " failed: " + err.Error()}
	}

	return Outcome{Success: true, Confidence: 0.55, Detail: "applied rule " + rule.Name}
}
