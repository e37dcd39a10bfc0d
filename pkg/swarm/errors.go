package swarm

import (
	"errors"
	"fmt"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// NotPrimaryError is returned by SubmitProposal when the caller's local
// agent is not the primary for the current view. Primary carries the
// current-primary hint §6 requires so a rejected proposer can retry
// against the right agent instead of guessing.
type NotPrimaryError struct {
	Primary   ids.AgentId
	HasPrimary bool
}

func (e *NotPrimaryError) Error() string {
	if !e.HasPrimary {
		return "swarm: not primary for current view (no primary determinable)"
	}
	return fmt.Sprintf("swarm: not primary for current view (primary is %s)", e.Primary)
}

// ErrInsufficientAgents is returned by SubmitProposal when fewer than the
// minimum number of trust-eligible agents are registered to make progress.
var ErrInsufficientAgents = errors.New("swarm: insufficient eligible agents")

// ErrNoAgentInitializer names the condition of a Coordinator built without
// an AgentInitializer — restarting agent processes is an external-runtime
// concern this core only coordinates around, per its out-of-scope
// collaborators. No Coordinator method returns it: in that case the Fault
// Tolerance Manager fails restart_agent recovery actions internally.
var ErrNoAgentInitializer = errors.New("swarm: no agent initializer configured")
