package transport

import (
	"context"
	"math/rand"
	"sync"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// Hub is the shared fan-out point a set of InMemoryTransport instances
// register against, standing in for the physical network in tests. It is
// the in-process analogue of a libp2p gossipsub mesh.
type Hub struct {
	mu      sync.RWMutex
	peers   map[ids.AgentId]*InMemoryTransport
	lossPct float64 // [0,1]; a message is dropped with this probability
	dupPct  float64 // [0,1]; a message is delivered twice with this probability
}

// NewHub creates an empty Hub. lossPct/dupPct let tests exercise spec.md
// §5's "transport tolerates loss, reorder, duplication" requirement.
func NewHub(lossPct, dupPct float64) *Hub {
	return &Hub{peers: make(map[ids.AgentId]*InMemoryTransport), lossPct: lossPct, dupPct: dupPct}
}

// Join registers agent with the hub and returns its Transport handle.
func (h *Hub) Join(agent ids.AgentId) *InMemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &InMemoryTransport{hub: h, self: agent}
	h.peers[agent] = t
	return t
}

func (h *Hub) deliver(to ids.AgentId, from ids.AgentId, payload []byte) {
	if h.lossPct > 0 && rand.Float64() < h.lossPct {
		return
	}
	h.mu.RLock()
	t, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.dispatch(from, payload)
	if h.dupPct > 0 && rand.Float64() < h.dupPct {
		t.dispatch(from, payload)
	}
}

// InMemoryTransport is a Hub-backed Transport for tests: no network I/O, no
// real signatures required to exercise wiring between components.
type InMemoryTransport struct {
	hub  *Hub
	self ids.AgentId

	mu       sync.Mutex
	handlers []func(from ids.AgentId, payload []byte)
}

func (t *InMemoryTransport) Send(_ context.Context, agent ids.AgentId, payload []byte) error {
	t.hub.deliver(agent, t.self, payload)
	return nil
}

func (t *InMemoryTransport) Broadcast(_ context.Context, payload []byte) error {
	t.hub.mu.RLock()
	peers := make([]ids.AgentId, 0, len(t.hub.peers))
	for a := range t.hub.peers {
		if a != t.self {
			peers = append(peers, a)
		}
	}
	t.hub.mu.RUnlock()
	for _, p := range peers {
		t.hub.deliver(p, t.self, payload)
	}
	return nil
}

func (t *InMemoryTransport) ActivePeers(_ context.Context) ([]ids.AgentId, error) {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	out := make([]ids.AgentId, 0, len(t.hub.peers))
	for a := range t.hub.peers {
		out = append(out, a)
	}
	return out, nil
}

func (t *InMemoryTransport) Subscribe(handler func(from ids.AgentId, payload []byte)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
	idx := len(t.handlers) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.handlers) {
			t.handlers[idx] = nil
		}
	}
}

func (t *InMemoryTransport) dispatch(from ids.AgentId, payload []byte) {
	t.mu.Lock()
	handlers := append([]func(from ids.AgentId, payload []byte){}, t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(from, payload)
		}
	}
}

func (t *InMemoryTransport) Close() error {
	t.hub.mu.Lock()
	delete(t.hub.peers, t.self)
	t.hub.mu.Unlock()
	return nil
}
