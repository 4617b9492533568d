package quorum

import (
	"keydirectory.example/history"
	"keydirectory.example/quorumcrypto"
)

// Messages is the closed set of inter-node payloads of spec §4.2.3.
// Every value here travels inside an already-decrypted
// quorumcrypto message; the nonce itself is not part of any message,
// it is carried alongside the ciphertext (quorumnet.EncryptedMessage)
// and checked before a payload is ever unmarshalled.

// VerifyRequest asks a follower to co-sign a proposed epoch transition.
// AppendOnlyProof is the evidence a follower must check before it will
// agree to reshare its quorum key share for the transition (§4.2.4's
// audit_verify step): the directory service that asked the leader to
// run VerifyEpoch is expected to have produced it alongside the roots.
type VerifyRequest struct {
	Epoch             uint64
	PrevRoot, NewRoot [32]byte
	AppendOnlyProof   history.AppendOnlyProof
}

// VerifyResponse carries the follower's share of the quorum signing
// key, encrypted for the leader, so the leader can reconstruct the
// quorum key and sign the commitment once T shares are in (§4.2.5).
// Shard is nil when the follower's append-only check failed: per
// §4.2.4 a failed check yields shard=None, not a share of anything.
type VerifyResponse struct {
	Epoch uint64
	Shard *quorumcrypto.Shard
}

// AddNodeInit begins member enrollment: the leader announces a
// candidate to every current member, who will independently contact
// and challenge it.
type AddNodeInit struct {
	Candidate   Member
	NewGroupSize uint8
}

// NewNodeTest is sent directly to the candidate (by contact info, not
// as an existing member) to confirm it is live and holds the private
// key matching the public key the leader announced.
type NewNodeTest struct {
	Nonce uint64
}

// NewNodeTestResult is the candidate's reply to NewNodeTest.
type NewNodeTestResult struct {
	Nonce uint64
}

// AddNodeTestResult is a member's vote back to the leader on whether
// the candidate passed its liveness test.
type AddNodeTestResult struct {
	Candidate NodeID
	Passed    bool
}

// AddNodeResult finalises enrollment: the leader distributes the
// candidate's freshly generated encrypted key shard to every member,
// including the candidate itself, once admission is approved.
type AddNodeResult struct {
	Candidate NodeID
	Admitted  bool
	NewShards map[NodeID]EncryptedShardMsg
}

// RemoveNodeInit begins member removal: the leader asks every other
// member to independently challenge the target for liveness.
type RemoveNodeInit struct {
	Target NodeID
}

// RemoveNodeTestResult is a member's vote on whether the target is
// unreachable and should be removed.
type RemoveNodeTestResult struct {
	Target  NodeID
	Failed  bool
}

// RemoveNodeResult finalises removal: the leader distributes
// re-shared key shards excluding the removed member.
type RemoveNodeResult struct {
	Target    NodeID
	Removed   bool
	NewShards map[NodeID]EncryptedShardMsg
}

// InterNodeAck is a bare acknowledgement for messages that carry no
// other useful reply (e.g. an AddNodeInit/RemoveNodeInit fan-out ack).
// Ok is false when the recipient could not apply what it was asked to
// (§4.2.3's InterNodeAck{ok, err?}); Err then carries a short reason.
type InterNodeAck struct {
	Ok  bool
	Err string `json:"err,omitempty"`
}

// NodeID is Member.NodeID, aliased for message-field readability.
type NodeID = uint64

// EncryptedShardMsg is the wire form of a quorumcrypto.EncryptedShard
// carried inside AddNodeResult/RemoveNodeResult.
type EncryptedShardMsg struct {
	OwnerID    uint64
	Ciphertext []byte
}
