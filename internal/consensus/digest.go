package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Digest computes the collision-resistant hash PrePrepare/Prepare/Commit
// messages carry, over a canonical encoding of proposal: fixed field order,
// little-endian integers, no absent-optional fields emitted (spec's Open
// Question (a), resolved in favor of a fixed binary layout over JSON —
// JSON key ordering is not naturally canonical across encoders).
func Digest(proposal Proposal) [32]byte {
	buf := encodeProposal(proposal)
	return sha256.Sum256(buf)
}

func encodeProposal(p Proposal) []byte {
	var buf []byte
	buf = appendString(buf, string(p.Kind))

	switch p.Kind {
	case ProposalAgentJoin:
		buf = appendBytes(buf, p.JoinAgent[:])
		buf = appendString(buf, p.JoinRole)
		buf = appendFloat64(buf, p.JoinInitialTrust)
	case ProposalAgentRemoval:
		buf = appendBytes(buf, p.RemoveAgent[:])
		buf = appendString(buf, p.RemoveReason)
	case ProposalCriticalTask:
		buf = appendString(buf, p.TaskID)
		buf = appendBytes(buf, p.PayloadDigest)
		buf = appendFloat64(buf, p.Requirements.MinTrustScore)
		buf = appendUint64(buf, uint64(len(p.Requirements.RequiredCapabilities)))
		for _, c := range p.Requirements.RequiredCapabilities {
			buf = appendString(buf, c)
		}
		buf = appendString(buf, string(p.Requirements.VerificationLevel))
		buf = appendUint64(buf, uint64(p.Requirements.MaxExecutionTime))
	case ProposalTrustAdjustment:
		buf = appendBytes(buf, p.AdjustAgent[:])
		buf = appendFloat64(buf, p.AdjustDelta)
		buf = appendString(buf, p.AdjustReason)
	case ProposalConfigChange:
		buf = appendString(buf, p.ConfigKey)
		buf = appendString(buf, p.ConfigValue)
	case ProposalEmergencyAction:
		buf = appendString(buf, p.Action)
		buf = appendString(buf, p.ActionReason)
		buf = appendUint64(buf, uint64(len(p.AffectedAgents)))
		for _, a := range p.AffectedAgents {
			buf = appendBytes(buf, a[:])
		}
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

