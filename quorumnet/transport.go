// Package quorumnet implements the peer transport contract consumed by
// the quorum node: asynchronous send/receive of opaque encrypted
// envelopes, plus one-shot RPC with a timeout, addressed either by known
// peer id or by an explicit contact address.
package quorumnet

import (
	"context"
	"errors"
	"time"
)

// EncryptedMessage is the wire framing every quorum message travels in
// (spec §4.2.3): to/from identify sender and recipient node ids,
// CiphertextWithNonce is whatever quorumcrypto.EncryptMessage produced.
type EncryptedMessage struct {
	To                  uint64
	From                uint64
	CiphertextWithNonce []byte
}

// ContactInfo is an out-of-band reachability hint for a peer that may
// not yet be a configured quorum member (a candidate being tested during
// enrollment, per §4.2.5).
type ContactInfo struct {
	Address string // base URL such as http://host:port; HTTP2Peers appends its endpoint path
}

// PublicNodeMessage is a message arriving on the node's externally
// facing channel — a client submitting a directory update, distinct
// from the inter-node quorum protocol.
type PublicNodeMessage struct {
	Payload []byte
}

// ErrTimeout is returned by any transport call that did not complete
// within its given timeout.
var ErrTimeout = errors.New("quorumnet: timeout")

// ReplyFunc is the one-shot reply channel handed to a detached handler
// along with an inbound inter-node message (§5: "the detached task
// writes its reply on a one-shot channel the transport layer
// provided"). It must be called at most once; subsequent calls are
// no-ops.
type ReplyFunc func(EncryptedMessage)

// Transport is the contract of spec §6: receive_public, receive_inter_node,
// send_to_contact_info, rpc.
type Transport interface {
	// ReceivePublic waits up to timeout for a PublicNodeMessage.
	ReceivePublic(ctx context.Context, timeout time.Duration) (PublicNodeMessage, error)

	// ReceiveInterNode waits up to timeout for an encrypted inter-node
	// message, returning it alongside a reply function the caller
	// invokes (from any goroutine, at most once) to answer it.
	ReceiveInterNode(ctx context.Context, timeout time.Duration) (EncryptedMessage, ReplyFunc, error)

	// SendToContactInfo delivers msg directly to an address, bypassing
	// the configured peer table — used to challenge a not-yet-enrolled
	// candidate (§4.2.5).
	SendToContactInfo(ctx context.Context, contact ContactInfo, msg EncryptedMessage, timeout time.Duration) (EncryptedMessage, error)

	// RPC sends msg to a known peer (msg.To) and waits for its reply.
	// If no reply arrives within timeout it returns a nil reply and a
	// nil error; the nonce consumed by msg is not reusable (§5).
	// HTTP2Peers uses a 30 s timeout when timeout is nil.
	RPC(ctx context.Context, msg EncryptedMessage, timeout *time.Duration) (*EncryptedMessage, error)
}
