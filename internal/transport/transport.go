// Package transport provides the narrow message-delivery collaborator the
// core consumes (spec.md §6): send-one, broadcast, and a view of currently
// active peers. Delivery may be lost, reordered, or duplicated; every
// consumer of Transport is written to tolerate all three.
package transport

import (
	"context"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// Transport is the collaborator interface consensus, fault tolerance, and
// recovery use to exchange protocol bytes. Implementations need not offer
// ordering or exactly-once delivery.
type Transport interface {
	// Send delivers payload to a single agent. Best-effort: an error means
	// the attempt failed locally (e.g. unknown peer), not that delivery is
	// guaranteed on success.
	Send(ctx context.Context, agent ids.AgentId, payload []byte) error

	// Broadcast delivers payload to every active peer.
	Broadcast(ctx context.Context, payload []byte) error

	// ActivePeers returns the agents currently reachable.
	ActivePeers(ctx context.Context) ([]ids.AgentId, error)

	// Subscribe registers handler to be invoked for every inbound payload.
	// Returns an unsubscribe function.
	Subscribe(handler func(from ids.AgentId, payload []byte)) (unsubscribe func())

	// Close releases transport resources.
	Close() error
}
