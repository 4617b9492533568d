// Package quorum implements Core B: the quorum replication state
// machine that witnesses directory epochs, threshold-shares the quorum
// signing key, and admits or evicts members through challenge-tested
// voting (spec §4.2).
package quorum

import (
	"errors"
	"fmt"
	"time"

	"keydirectory.example/quorumcrypto"
)

// Member is one party in the quorum (spec §3.5). Node ids start out
// dense [0, GroupSize); RemoveMember does not renumber the survivors, so
// a removal leaves a gap in the id space.
type Member struct {
	NodeID      uint64
	PublicKey   quorumcrypto.PublicKey
	ContactInfo string
}

// Commitment is the signed tuple the leader persists once per epoch
// (spec §3.5), re-exported here so callers never need to import
// quorumcrypto directly for the common case.
type Commitment = quorumcrypto.SignedCommitment

// Status is the exhaustive set of states a node occupies (spec §4.2.1).
type Status int

const (
	StatusReady Status = iota
	StatusLeading
	StatusFollowing
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusLeading:
		return "Leading"
	case StatusFollowing:
		return "Following"
	default:
		return "Unknown"
	}
}

// LeadingSubstate enumerates the Leading states of §4.2.1.
type LeadingSubstate int

const (
	LeadingNone LeadingSubstate = iota
	LeadingProcessingVerification
	LeadingProcessingAddition
	LeadingAddingMember
	LeadingProcessingRemoval
	LeadingRemovingMember
)

// FollowingSubstate enumerates the Following states of §4.2.1.
type FollowingSubstate int

const (
	FollowingNone FollowingSubstate = iota
	FollowingVerifying
	FollowingTestingAddMember
	FollowingWaitingOnMemberAddResult
	FollowingTestingRemoveMember
	FollowingWaitingOnMemberRemoveResult
)

// OperationState is carried by every non-Ready substate: the time it
// started (for the distributed-processing timeout, §4.2.4) and which
// request it is processing.
type OperationState struct {
	StartedAt time.Time
	Request   any
}

// Config is the external configuration of §6: node id, group size
// (0 = disabled, all public APIs are no-ops), plus the timing and
// policy knobs the specification leaves to implementers.
type Config struct {
	NodeID    uint64
	GroupSize uint8

	// DistributedProcessingTimeout bounds how long a Leading/Following
	// operation may run before forcing a return to Ready (§4.2.4, 10
	// minutes in the specification).
	DistributedProcessingTimeout time.Duration

	// ReceptionTimeoutMin/Max bound the per-node randomised reception
	// timeout that doubles as TimerTick (§4.2.7, 1000-1200ms).
	ReceptionTimeoutMin, ReceptionTimeoutMax time.Duration

	// RPCTimeout bounds a single peer RPC (§4.2.5's 30s candidate test).
	RPCTimeout time.Duration

	// SilenceMeansFailure resolves the specification's open question on
	// RemoveNodeInit RPC timing (§9): when true (the default), a target
	// that does not reply within RPCTimeout is treated as having failed
	// its verification test, i.e. the peer votes to remove it.
	SilenceMeansFailure bool

	// BacklogCapacity bounds the queue of public operations accepted
	// while the node is not Ready (§4.2.2).
	BacklogCapacity int

	// PublicChannelCapacity records a public-reception buffer size (25 by
	// default). Node does not read it: the public loop hands each
	// submission straight to its handler, and quorumnet.HTTP2Peers
	// buffers public messages in its own fixed capacity-25 channel.
	PublicChannelCapacity int

	// QuorumPublicKey is the compressed BLS12-381 public key published
	// once at quorum genesis, the counterpart of the signing key shared
	// across members' shards. A reconstructed commitment is checked
	// against it before being accepted (§4.2.4's "for each T-subset of
	// S, attempt generate_commitment": a subset containing a corrupt
	// share reconstructs a signature that fails this check, so the next
	// subset is tried instead). Left empty only in tests that exercise
	// reconstruction without a genesis key on hand.
	QuorumPublicKey []byte
}

// DefaultConfig returns the specification's literal constants (§4.2.4,
// §4.2.5, §4.2.7, §5) for every field not tied to group membership.
func DefaultConfig(nodeID uint64, groupSize uint8) Config {
	return Config{
		NodeID:                       nodeID,
		GroupSize:                    groupSize,
		DistributedProcessingTimeout: 10 * time.Minute,
		ReceptionTimeoutMin:          1000 * time.Millisecond,
		ReceptionTimeoutMax:          1200 * time.Millisecond,
		RPCTimeout:                   30 * time.Second,
		SilenceMeansFailure:          true,
		BacklogCapacity:              64,
		PublicChannelCapacity:        25,
	}
}

// Disabled reports whether the quorum is inert (GroupSize == 0, §6):
// every public API then succeeds as a no-op.
func (c Config) Disabled() bool {
	return c.GroupSize == 0
}

// Error kinds, per spec §7.
var (
	ErrStorageNotFound       = errors.New("quorum: storage: not found")
	ErrSerialisation         = errors.New("quorum: storage: serialisation error")
	ErrNoDirection           = errors.New("quorum: history tree: no direction")
	ErrCommunicationTimeout  = errors.New("quorum: communication: timeout")
	ErrSendFailed            = errors.New("quorum: communication: send failed")
	ErrReceiveFailed         = errors.New("quorum: communication: receive failed")
	ErrNotReady              = errors.New("quorum: node is not Ready")
	ErrBacklogFull           = errors.New("quorum: backlog is full")
	ErrReconstructionFailed  = errors.New("quorum: quorum key reconstruction failed")
	ErrUnknownMember         = errors.New("quorum: unknown member")
)

// NonceError is fatal to the offending message but never to the node
// (spec §7): the sender may retry with a fresh nonce.
type NonceError struct {
	Expected uint64
	Got      uint64
	Msg      string
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("quorum: nonce error: expected > %d, got %d (%s)", e.Expected, e.Got, e.Msg)
}

// QuorumOperationError wraps any of the above with the operation that
// was in flight when it occurred, per §7's "QuorumOperation (wraps the
// rest)".
type QuorumOperationError struct {
	Operation string
	Err       error
}

func (e *QuorumOperationError) Error() string {
	return fmt.Sprintf("quorum: %s: %v", e.Operation, e.Err)
}

func (e *QuorumOperationError) Unwrap() error {
	return e.Err
}
