package quorum

import (
	"context"
)

// MemberStore persists the quorum's membership roster and the most
// recent signed commitment (spec §3.5). Implementations must make
// Members/AddMember/RemoveMember safe for concurrent use; the node
// itself serialises all mutation through its own state machine, but
// read paths (e.g. an operator CLI) may call concurrently.
type MemberStore interface {
	Members(ctx context.Context) ([]Member, error)
	AddMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, nodeID uint64) error

	// LatestCommitment returns the most recently stored commitment, or
	// ErrStorageNotFound before the first epoch has ever been verified.
	LatestCommitment(ctx context.Context) (Commitment, error)
	SaveCommitment(ctx context.Context, c Commitment) error
}

// NonceStore tracks the highest nonce seen from each peer, rejecting
// replays (spec §4.2.3: "a message whose nonce is not strictly greater
// than the highest nonce previously accepted from that sender is a
// NonceError").
type NonceStore interface {
	// Accept validates nonce against the high-water mark recorded for
	// peer, and if it is strictly greater, records it and returns nil.
	// Otherwise it returns a *NonceError and leaves the mark untouched.
	Accept(ctx context.Context, peer uint64, nonce uint64) error

	// Next returns a nonce strictly greater than any this node has ever
	// sent to peer, and reserves it.
	Next(ctx context.Context, peer uint64) (uint64, error)
}
