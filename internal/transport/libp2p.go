package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

var (
	libp2pMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_transport_messages_published_total",
		Help: "Total consensus/fault-tolerance messages published over gossipsub",
	}, []string{"kind"})

	libp2pMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_transport_messages_received_total",
		Help: "Total consensus/fault-tolerance messages received over gossipsub",
	}, []string{"kind"})

	libp2pMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_transport_messages_dropped_total",
		Help: "Total inbound messages dropped (not addressed to this agent, or malformed)",
	}, []string{"reason"})
)

// coreTopic is the single gossipsub topic the swarm core publishes protocol
// traffic on. Splitting by message kind is left to the consensus/fault
// tolerance layers' own framing, matching how libs/p2p/gossip.go multiplexes
// several logical message types over one GossipMessage envelope.
const coreTopic = "/swarmcore/core/1.0.0"

// envelope wraps every payload with routing metadata: Target is empty for a
// broadcast, populated for a unicast Send — gossipsub has no native unicast,
// so Send publishes to the same topic and non-addressed peers discard it.
type envelope struct {
	Sender ids.AgentId `json:"sender"`
	Target *ids.AgentId `json:"target,omitempty"`
	Body   []byte      `json:"body"`
}

// LibP2PTransport is the production Transport, backed by a gossipsub mesh.
// Grounded on libs/p2p/gossip.go's topic/handler map and libs/p2p/node.go's
// host construction, narrowed to the single topic and envelope framing this
// core needs.
type LibP2PTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   ids.AgentId
	logger *zap.Logger

	mu       sync.Mutex
	handlers []func(from ids.AgentId, payload []byte)

	cancel context.CancelFunc
}

// NewLibP2PTransport joins coreTopic on h using gossipsub and starts the
// receive loop. self identifies this process's AgentId in outgoing
// envelopes.
func NewLibP2PTransport(ctx context.Context, h host.Host, self ids.AgentId, logger *zap.Logger) (*LibP2PTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithFloodPublish(false),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: new gossipsub: %w", err)
	}
	topic, err := ps.Join(coreTopic)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t := &LibP2PTransport{host: h, ps: ps, topic: topic, sub: sub, self: self, logger: logger, cancel: cancel}
	go t.receiveLoop(loopCtx)
	return t, nil
}

func (t *LibP2PTransport) receiveLoop(ctx context.Context) {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			libp2pMessagesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		if env.Sender == t.self {
			continue // gossipsub loops our own publishes back by default
		}
		if env.Target != nil && *env.Target != t.self {
			libp2pMessagesDropped.WithLabelValues("not_addressed").Inc()
			continue
		}
		libp2pMessagesReceived.WithLabelValues("envelope").Inc()

		t.mu.Lock()
		handlers := append([]func(from ids.AgentId, payload []byte){}, t.handlers...)
		t.mu.Unlock()
		for _, h := range handlers {
			if h != nil {
				h(env.Sender, env.Body)
			}
		}
	}
}

func (t *LibP2PTransport) publish(ctx context.Context, target *ids.AgentId, payload []byte) error {
	env := envelope{Sender: t.self, Target: target, Body: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	libp2pMessagesPublished.WithLabelValues("envelope").Inc()
	return nil
}

func (t *LibP2PTransport) Send(ctx context.Context, agent ids.AgentId, payload []byte) error {
	return t.publish(ctx, &agent, payload)
}

func (t *LibP2PTransport) Broadcast(ctx context.Context, payload []byte) error {
	return t.publish(ctx, nil, payload)
}

func (t *LibP2PTransport) ActivePeers(_ context.Context) ([]ids.AgentId, error) {
	// Gossipsub exposes libp2p peer.IDs, not our AgentId space; without an
	// identity-announcement protocol layered on top there is no AgentId to
	// report, so this always returns an empty list. Callers that need the
	// agent roster use RegisterAgent/UnregisterAgent instead.
	return nil, nil
}

func (t *LibP2PTransport) Subscribe(handler func(from ids.AgentId, payload []byte)) func() {
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

func (t *LibP2PTransport) Close() error {
	t.cancel()
	t.sub.Cancel()
	return t.topic.Close()
}
