package faulttolerance

import (
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// heartbeats is a sharded concurrent map of per-agent Heartbeat records,
// one lock per shard rather than the teacher's single RWMutex, since
// spec.md mandates per-entry locking for this map.
type heartbeats struct {
	shards []*hbShard
}

type hbShard struct {
	mu   sync.Mutex
	rows map[ids.AgentId]*Heartbeat
}

func newHeartbeats(shardCount int) *heartbeats {
	shards := make([]*hbShard, shardCount)
	for i := range shards {
		shards[i] = &hbShard{rows: make(map[ids.AgentId]*Heartbeat)}
	}
	return &heartbeats{shards: shards}
}

func (h *heartbeats) shardFor(agent ids.AgentId) *hbShard {
	return h.shards[int(agent[0])%len(h.shards)]
}

// register creates a fresh Healthy record for agent if one doesn't exist.
func (h *heartbeats) register(agent ids.AgentId, now time.Time) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.rows[agent]; ok {
		return
	}
	sh.rows[agent] = &Heartbeat{Agent: agent, LastSeen: now, Health: HealthHealthy}
}

func (h *heartbeats) unregister(agent ids.AgentId) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.rows, agent)
}

// beat records a fresh heartbeat, resetting health to Healthy and clearing
// missed_count per spec.md §4.4.
func (h *heartbeats) beat(agent ids.AgentId, currentTask string, now time.Time) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	hb, ok := sh.rows[agent]
	if !ok {
		hb = &Heartbeat{Agent: agent}
		sh.rows[agent] = hb
	}
	if now.Before(hb.LastSeen) {
		// last_seen never decreases for a registered agent.
		return
	}
	hb.LastSeen = now
	hb.Health = HealthHealthy
	hb.MissedCount = 0
	if currentTask != "" {
		hb.CurrentTask = currentTask
	}
}

func (h *heartbeats) recordOutcome(agent ids.AgentId, success bool, durationMs float64, now time.Time) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	hb, ok := sh.rows[agent]
	if !ok {
		return
	}
	if success {
		hb.Perf.Completed++
	} else {
		hb.Perf.Failed++
	}
	total := hb.Perf.Completed + hb.Perf.Failed
	if total > 0 {
		hb.Perf.AvgDurationMs += (durationMs - hb.Perf.AvgDurationMs) / float64(total)
		hb.Perf.SuccessRate = float64(hb.Perf.Completed) / float64(total)
	}
	hb.Perf.LastUpdated = now
}

func (h *heartbeats) get(agent ids.AgentId) (Heartbeat, bool) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hb, ok := sh.rows[agent]
	if !ok {
		return Heartbeat{}, false
	}
	return *hb, true
}

func (h *heartbeats) setHealth(agent ids.AgentId, state HealthState) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if hb, ok := sh.rows[agent]; ok {
		hb.Health = state
	}
}

// setHealthUnlessFailed is used by the circuit breaker's observation path:
// a Failed agent (heartbeat-driven) must not be downgraded back to
// CircuitOpen by an unrelated task-outcome callback racing the scan.
func (h *heartbeats) setHealthUnlessFailed(agent ids.AgentId, state HealthState) {
	sh := h.shardFor(agent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if hb, ok := sh.rows[agent]; ok && hb.Health != HealthFailed {
		hb.Health = state
	}
}

// scanResult is what one heartbeat scan pass decided for a single agent.
type scanResult struct {
	agent       ids.AgentId
	transition  HealthState
	missedCount int
	heldTask    string
}

// scan walks every tracked agent and applies spec.md §4.4's elapsed-time
// escalation rule, returning the agents whose health changed this pass.
func (h *heartbeats) scan(now time.Time, timeout time.Duration, missedThreshold int) []scanResult {
	var changed []scanResult
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, hb := range sh.rows {
			if hb.Health == HealthFailed {
				continue
			}
			if now.Sub(hb.LastSeen) <= timeout {
				continue
			}
			hb.MissedCount++
			if hb.MissedCount >= missedThreshold {
				hb.Health = HealthFailed
				changed = append(changed, scanResult{agent: hb.Agent, transition: HealthFailed, missedCount: hb.MissedCount, heldTask: hb.CurrentTask})
			} else {
				hb.Health = HealthUnresponsive
				changed = append(changed, scanResult{agent: hb.Agent, transition: HealthUnresponsive, missedCount: hb.MissedCount, heldTask: hb.CurrentTask})
			}
		}
		sh.mu.Unlock()
	}
	return changed
}

func (h *heartbeats) all() []Heartbeat {
	var out []Heartbeat
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, hb := range sh.rows {
			out = append(out, *hb)
		}
		sh.mu.Unlock()
	}
	return out
}
