package faulttolerance

import (
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

// circuitBreaker is one agent's Closed/Open/HalfOpen state machine.
type circuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openTimeout      time.Duration

	state          CircuitState
	failures       int
	requests       uint64
	lastFailure    time.Time
	lastTransition time.Time
}

func newCircuitBreaker(failureThreshold int, openTimeout time.Duration, now time.Time) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            CircuitClosed,
		lastTransition:   now,
	}
}

// admit reports whether a request may proceed, transitioning Open->HalfOpen
// once more than openTimeout has elapsed since the breaker opened.
func (cb *circuitBreaker) admit(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	switch cb.state {
	case CircuitOpen:
		if now.Sub(cb.lastTransition) > cb.openTimeout {
			cb.state = CircuitHalfOpen
			cb.lastTransition = now
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) onFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = now
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastTransition = now
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.lastTransition = now
		}
	}
}

func (cb *circuitBreaker) onSuccess(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.failures = 0
		cb.lastTransition = now
	}
}

func (cb *circuitBreaker) snapshot(agent ids.AgentId) CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerSnapshot{
		Agent:          agent,
		State:          cb.state,
		Failures:       cb.failures,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
		Requests:       cb.requests,
	}
}

func (cb *circuitBreaker) forceOpen(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitOpen
	cb.lastTransition = now
}

func (cb *circuitBreaker) forceHalfOpen(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitHalfOpen
	cb.lastTransition = now
}

// circuitBreakers is a sharded map of per-agent breakers, shard-keyed the
// same way the rest of the core shards agent-keyed hot maps.
type circuitBreakers struct {
	clock  clockutil.Clock
	cfg    Config
	shards []*cbShard
}

type cbShard struct {
	mu       sync.Mutex
	breakers map[ids.AgentId]*circuitBreaker
}

func newCircuitBreakers(clock clockutil.Clock, cfg Config) *circuitBreakers {
	shards := make([]*cbShard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &cbShard{breakers: make(map[ids.AgentId]*circuitBreaker)}
	}
	return &circuitBreakers{clock: clock, cfg: cfg, shards: shards}
}

func (c *circuitBreakers) shardFor(agent ids.AgentId) *cbShard {
	return c.shards[int(agent[0])%len(c.shards)]
}

func (c *circuitBreakers) get(agent ids.AgentId) *circuitBreaker {
	sh := c.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cb, ok := sh.breakers[agent]
	if !ok {
		cb = newCircuitBreaker(c.cfg.CircuitFailureThreshold, c.cfg.CircuitOpenTimeout, c.clock.Now())
		sh.breakers[agent] = cb
	}
	return cb
}

func (c *circuitBreakers) Admit(agent ids.AgentId) bool {
	return c.get(agent).admit(c.clock.Now())
}

func (c *circuitBreakers) RecordFailure(agent ids.AgentId) {
	c.get(agent).onFailure(c.clock.Now())
}

func (c *circuitBreakers) RecordSuccess(agent ids.AgentId) {
	c.get(agent).onSuccess(c.clock.Now())
}

func (c *circuitBreakers) ForceOpen(agent ids.AgentId) {
	c.get(agent).forceOpen(c.clock.Now())
}

func (c *circuitBreakers) ForceHalfOpen(agent ids.AgentId) {
	c.get(agent).forceHalfOpen(c.clock.Now())
}

func (c *circuitBreakers) Snapshot(agent ids.AgentId) CircuitBreakerSnapshot {
	return c.get(agent).snapshot(agent)
}

func (c *circuitBreakers) State(agent ids.AgentId) CircuitState {
	return c.get(agent).snapshot(agent).State
}
