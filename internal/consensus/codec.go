package consensus

import "encoding/json"

// wireKind discriminates the on-wire envelope. Unlike Digest's canonical
// binary encoding (used only to hash a Proposal for Prepare/Commit votes),
// the wire format for whole messages is plain JSON — the pack already
// JSON-encodes its gossip envelopes (libs/p2p/gossip.go's GossipMessage) and
// there is no determinism requirement on the transport framing itself.
type wireKind string

const (
	wirePrePrepare  wireKind = "pre_prepare"
	wirePrepare     wireKind = "prepare"
	wireCommit      wireKind = "commit"
	wireViewChange  wireKind = "view_change"
	wireNewView     wireKind = "new_view"
	wireCheckpoint  wireKind = "checkpoint"
)

type wireEnvelope struct {
	Kind    wireKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeMessage(kind wireKind, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Kind: kind, Payload: payload})
}

// decodeMessage unmarshals raw into the envelope and then the concrete
// message type matching its Kind, invoking the corresponding visitor.
func decodeMessage(raw []byte, v *visitor) error {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch env.Kind {
	case wirePrePrepare:
		var m PrePrepareMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onPrePrepare(m)
	case wirePrepare:
		var m PrepareMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onPrepare(m)
	case wireCommit:
		var m CommitMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onCommit(m)
	case wireViewChange:
		var m ViewChangeMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onViewChange(m)
	case wireNewView:
		var m NewViewMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onNewView(m)
	case wireCheckpoint:
		var m CheckpointMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return err
		}
		v.onCheckpoint(m)
	}
	return nil
}

// visitor collects the handler funcs decodeMessage dispatches to; the
// Engine builds one bound to its own handleXxx methods.
type visitor struct {
	onPrePrepare func(PrePrepareMsg)
	onPrepare    func(PrepareMsg)
	onCommit     func(CommitMsg)
	onViewChange func(ViewChangeMsg)
	onNewView    func(NewViewMsg)
	onCheckpoint func(CheckpointMsg)
}
