package consensus

import "github.com/aidenlippert/swarmcore/internal/ids"

// ByzantineBound returns f = floor((n-1)/3), the maximum number of
// Byzantine-faulty agents the set can tolerate.
func ByzantineBound(n int) int {
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns q = 2f+1, the minimum number of matching votes needed
// to advance a phase.
func QuorumSize(n int) int {
	return 2*ByzantineBound(n) + 1
}

// Primary returns primary(view) = sorted(agents)[view mod n]. Sorting is
// lexicographic on AgentId so every honest peer computes the same primary
// without a round of communication.
func Primary(agents []ids.AgentId, view uint64) (ids.AgentId, bool) {
	if len(agents) == 0 {
		return ids.AgentId{}, false
	}
	sorted := ids.SortAgentIds(agents)
	idx := int(view % uint64(len(sorted)))
	return sorted[idx], true
}

// IsPrimary reports whether self is the primary for view among agents.
func IsPrimary(agents []ids.AgentId, view uint64, self ids.AgentId) bool {
	p, ok := Primary(agents, view)
	return ok && p == self
}

// MinAgentsForProgress is the smallest agent-set size for which any
// consensus progress is possible (n=4 tolerates f=1).
const MinAgentsForProgress = 4
