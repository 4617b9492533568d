package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

// publicKeyOf looks up a member's public key, needed to encrypt a
// message addressed to it.
func (n *Node) publicKeyOf(ctx context.Context, nodeID uint64) (quorumcrypto.PublicKey, error) {
	members, err := n.members.Members(ctx)
	if err != nil {
		return quorumcrypto.PublicKey{}, err
	}
	for _, m := range members {
		if m.NodeID == nodeID {
			return m.PublicKey, nil
		}
	}
	return quorumcrypto.PublicKey{}, fmt.Errorf("%w: node %d", ErrUnknownMember, nodeID)
}

// encryptFor builds an encrypted envelope addressed to peer, consuming
// a fresh outbound nonce.
func (n *Node) encryptFor(ctx context.Context, peer uint64, kind string, payload any) (quorumnet.EncryptedMessage, error) {
	plaintext, err := encodeEnvelope(kind, payload)
	if err != nil {
		return quorumnet.EncryptedMessage{}, err
	}
	peerKey, err := n.publicKeyOf(ctx, peer)
	if err != nil {
		return quorumnet.EncryptedMessage{}, err
	}
	nonce, err := n.nonces.Next(ctx, peer)
	if err != nil {
		return quorumnet.EncryptedMessage{}, fmt.Errorf("quorum: allocating nonce: %w", err)
	}
	ciphertext, err := n.crypto.EncryptMessage(peerKey, plaintext, nonce)
	if err != nil {
		return quorumnet.EncryptedMessage{}, fmt.Errorf("quorum: encrypting for node %d: %w", peer, err)
	}
	return quorumnet.EncryptedMessage{To: peer, From: n.cfg.NodeID, CiphertextWithNonce: ciphertext}, nil
}

// rpc sends kind/payload to peer and waits up to timeout for a reply,
// decoding it back into an envelope. A nil *EncryptedMessage reply
// (timeout) is reported as quorumnet.ErrTimeout.
func (n *Node) rpc(ctx context.Context, peer uint64, kind string, payload any, timeout time.Duration) (envelope, error) {
	msg, err := n.encryptFor(ctx, peer, kind, payload)
	if err != nil {
		return envelope{}, err
	}
	reply, err := n.transport.RPC(ctx, msg, &timeout)
	if err != nil {
		return envelope{}, err
	}
	if reply == nil {
		return envelope{}, quorumnet.ErrTimeout
	}
	plaintext, nonce, err := n.crypto.DecryptMessage(reply.CiphertextWithNonce)
	if err != nil {
		return envelope{}, fmt.Errorf("quorum: decrypting reply from %d: %w", peer, err)
	}
	if err := n.nonces.Accept(ctx, peer, nonce); err != nil {
		return envelope{}, err
	}
	return decodeEnvelope(plaintext)
}

// rpcToContact is rpc's counterpart for a not-yet-enrolled candidate,
// addressed by contact info rather than a configured peer id; it still
// needs a public key, passed explicitly since the candidate is not yet
// in the member store.
func (n *Node) rpcToContact(ctx context.Context, contact quorumnet.ContactInfo, candidatePublic quorumcrypto.PublicKey, kind string, payload any, timeout time.Duration) (envelope, error) {
	plaintext, err := encodeEnvelope(kind, payload)
	if err != nil {
		return envelope{}, err
	}
	ciphertext, err := n.crypto.EncryptMessage(candidatePublic, plaintext, 0)
	if err != nil {
		return envelope{}, fmt.Errorf("quorum: encrypting for candidate: %w", err)
	}
	msg := quorumnet.EncryptedMessage{From: n.cfg.NodeID, CiphertextWithNonce: ciphertext}
	reply, err := n.transport.SendToContactInfo(ctx, contact, msg, timeout)
	if err != nil {
		return envelope{}, err
	}
	replyPlaintext, _, err := n.crypto.DecryptMessage(reply.CiphertextWithNonce)
	if err != nil {
		return envelope{}, fmt.Errorf("quorum: decrypting candidate reply: %w", err)
	}
	return decodeEnvelope(replyPlaintext)
}

// dispatch is the inter-node loop's detached handler (§5): it
// decrypts, validates the nonce, decodes the envelope and routes it to
// the handler for its type, replying at most once via reply. A message
// that fails to decrypt, fails the nonce check, is malformed or has an
// unknown type is logged and dropped without a reply.
func (n *Node) dispatch(ctx context.Context, msg quorumnet.EncryptedMessage, reply quorumnet.ReplyFunc) {
	plaintext, nonce, err := n.crypto.DecryptMessage(msg.CiphertextWithNonce)
	if err != nil {
		n.log.Warn("quorum: failed to decrypt inter-node message", "from", msg.From, "err", err)
		return
	}
	if err := n.nonces.Accept(ctx, msg.From, nonce); err != nil {
		n.log.Warn("quorum: rejected replayed or out-of-order message", "from", msg.From, "err", err)
		return
	}
	env, err := decodeEnvelope(plaintext)
	if err != nil {
		n.log.Warn("quorum: malformed envelope", "from", msg.From, "err", err)
		return
	}

	var (
		respKind string
		resp     any
	)
	switch env.Type {
	case typeNewNodeTest:
		var req NewNodeTest
		if jsonErr := json.Unmarshal(env.Payload, &req); jsonErr != nil {
			n.log.Warn("quorum: bad NewNodeTest", "err", jsonErr)
			return
		}
		// A liveness echo answers regardless of the node's current
		// status: it never changes state (§4.2.5).
		respKind, resp = typeNewNodeTestResult, NewNodeTestResult{Nonce: req.Nonce}
	case typeVerifyRequest:
		var req VerifyRequest
		if jsonErr := json.Unmarshal(env.Payload, &req); jsonErr != nil {
			n.log.Warn("quorum: bad VerifyRequest", "err", jsonErr)
			return
		}
		respKind, resp = n.handleVerifyRequest(ctx, msg.From, req)
	case typeVerifyResponse:
		var vr VerifyResponse
		if jsonErr := json.Unmarshal(env.Payload, &vr); jsonErr != nil {
			n.log.Warn("quorum: bad VerifyResponse", "err", jsonErr)
			return
		}
		n.handleVerifyResponse(msg.From, vr)
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: true}
	case typeAddNodeInit:
		var req AddNodeInit
		if jsonErr := json.Unmarshal(env.Payload, &req); jsonErr != nil {
			n.log.Warn("quorum: bad AddNodeInit", "err", jsonErr)
			return
		}
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: true}
		go n.handleAddNodeInit(ctx, msg.From, req)
	case typeAddNodeTestResult:
		var vote AddNodeTestResult
		if jsonErr := json.Unmarshal(env.Payload, &vote); jsonErr != nil {
			n.log.Warn("quorum: bad AddNodeTestResult", "err", jsonErr)
			return
		}
		n.handleAddNodeTestResult(msg.From, vote)
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: true}
	case typeAddNodeResult:
		var res AddNodeResult
		if jsonErr := json.Unmarshal(env.Payload, &res); jsonErr != nil {
			n.log.Warn("quorum: bad AddNodeResult", "err", jsonErr)
			return
		}
		ok, ackErr := n.handleAddNodeResult(ctx, res)
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: ok, Err: ackErr}
	case typeRemoveNodeInit:
		var req RemoveNodeInit
		if jsonErr := json.Unmarshal(env.Payload, &req); jsonErr != nil {
			n.log.Warn("quorum: bad RemoveNodeInit", "err", jsonErr)
			return
		}
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: true}
		go n.handleRemoveNodeInit(ctx, msg.From, req)
	case typeRemoveNodeTestResult:
		var vote RemoveNodeTestResult
		if jsonErr := json.Unmarshal(env.Payload, &vote); jsonErr != nil {
			n.log.Warn("quorum: bad RemoveNodeTestResult", "err", jsonErr)
			return
		}
		n.handleRemoveNodeTestResult(msg.From, vote)
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: true}
	case typeRemoveNodeResult:
		var res RemoveNodeResult
		if jsonErr := json.Unmarshal(env.Payload, &res); jsonErr != nil {
			n.log.Warn("quorum: bad RemoveNodeResult", "err", jsonErr)
			return
		}
		ok, ackErr := n.handleRemoveNodeResult(ctx, res)
		respKind, resp = typeInterNodeAck, InterNodeAck{Ok: ok, Err: ackErr}
	default:
		n.log.Warn("quorum: unknown message type", "type", env.Type, "from", msg.From)
		return
	}

	replyMsg, err := n.encryptFor(ctx, msg.From, respKind, resp)
	if err != nil {
		n.log.Warn("quorum: failed to encrypt reply", "to", msg.From, "err", err)
		return
	}
	reply(replyMsg)
}
