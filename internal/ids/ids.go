// Package ids provides the opaque 128-bit identifiers used throughout the
// swarm core: AgentId and ProposalId. Both wrap uuid.UUID, which is exactly
// 128 bits, so identity never leaks any structure about the thing it names.
package ids

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// AgentId opaquely identifies an agent for the lifetime of its process.
type AgentId uuid.UUID

// ProposalId opaquely identifies a single consensus proposal.
type ProposalId uuid.UUID

// NewAgentId generates a fresh random AgentId.
func NewAgentId() AgentId {
	return AgentId(uuid.New())
}

// NewProposalId generates a fresh random ProposalId.
func NewProposalId() ProposalId {
	return ProposalId(uuid.New())
}

// AgentIdFromString parses a canonical UUID string into an AgentId.
func AgentIdFromString(s string) (AgentId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentId{}, err
	}
	return AgentId(u), nil
}

func (a AgentId) String() string     { return uuid.UUID(a).String() }
func (p ProposalId) String() string  { return uuid.UUID(p).String() }
func (a AgentId) IsZero() bool       { return a == AgentId{} }
func (p ProposalId) IsZero() bool    { return p == ProposalId{} }

// Less gives a total, deterministic lexicographic order on AgentId — every
// honest peer that sorts the same agent set with Less agrees on the result,
// which is what primary(view) selection in the consensus engine depends on.
func (a AgentId) Less(b AgentId) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// SortAgentIds returns a new, lexicographically sorted copy of ids.
func SortAgentIds(in []AgentId) []AgentId {
	out := make([]AgentId, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
