package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keydirectory.example/history"
	"keydirectory.example/quorumcrypto"
)

// VerifyEpoch is the leader-initiated operation of §4.2.5: it asks
// every other member to co-sign the transition from prevRoot to
// newRoot at epoch, reconstructs the quorum signing key from the
// shares that come back, and returns the resulting commitment once at
// least ShardsRequired(groupSize) shares have arrived.
//
// If the node is not Ready, the call blocks until it is (subject to
// BacklogCapacity) rather than failing outright, matching §4.2.2's
// backlog semantics for quorum-internal operations triggered by the
// directory itself.
func (n *Node) VerifyEpoch(ctx context.Context, epoch uint64, prevRoot, newRoot [32]byte, proof history.AppendOnlyProof) (Commitment, error) {
	if n.cfg.Disabled() {
		return Commitment{}, nil
	}

	type result struct {
		commitment Commitment
		err        error
	}
	done := make(chan result, 1)

	run := func() {
		c, err := n.runVerifyEpoch(ctx, epoch, prevRoot, newRoot, proof)
		done <- result{c, err}
	}
	if err := n.enqueueOrRun(run); err != nil {
		return Commitment{}, &QuorumOperationError{Operation: "VerifyEpoch", Err: err}
	}

	select {
	case r := <-done:
		if r.err != nil {
			return Commitment{}, &QuorumOperationError{Operation: "VerifyEpoch", Err: r.err}
		}
		return r.commitment, nil
	case <-ctx.Done():
		return Commitment{}, ctx.Err()
	}
}

func (n *Node) runVerifyEpoch(ctx context.Context, epoch uint64, prevRoot, newRoot [32]byte, proof history.AppendOnlyProof) (Commitment, error) {
	started := time.Now()
	defer func() { n.observeVerifyLatency(time.Since(started)) }()

	n.mu.Lock()
	n.status = StatusLeading
	n.leadingSub = LeadingProcessingVerification
	n.op = OperationState{StartedAt: time.Now(), Request: VerifyRequest{Epoch: epoch, PrevRoot: prevRoot, NewRoot: newRoot, AppendOnlyProof: proof}}
	n.inflight = newInflightCollector()
	collector := n.inflight
	n.mu.Unlock()

	members, err := n.members.Members(ctx)
	if err != nil {
		n.finishLeading()
		return Commitment{}, fmt.Errorf("listing members: %w", err)
	}

	req := VerifyRequest{Epoch: epoch, PrevRoot: prevRoot, NewRoot: newRoot, AppendOnlyProof: proof}
	required := n.crypto.ShardsRequired(len(members))

	for _, m := range members {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		m := m
		go func() {
			env, err := n.rpc(ctx, m.NodeID, typeVerifyRequest, req, n.cfg.RPCTimeout)
			if err != nil {
				n.log.Warn("quorum: VerifyRequest failed", "peer", m.NodeID, "err", err)
				return
			}
			if env.Type != typeVerifyResponse {
				return
			}
			var vr VerifyResponse
			if err := json.Unmarshal(env.Payload, &vr); err != nil {
				return
			}
			if vr.Shard == nil {
				n.log.Warn("quorum: peer declined to share, append-only check failed", "peer", m.NodeID)
				return
			}
			collector.addShare(*vr.Shard)
		}()
	}

	// This node's own share counts toward the threshold too: it runs
	// the same append-only check a follower would, since a leader that
	// skipped it could reconstruct and sign a commitment no follower
	// ever actually agreed to.
	if err := history.VerifyAppendOnly(proof, prevEpoch(epoch), prevRoot, epoch, newRoot); err != nil {
		n.log.Warn("quorum: own append-only check failed, withholding own share", "err", err)
	} else if own, err := n.ownShare(ctx); err == nil {
		collector.addShare(own)
	} else {
		n.log.Warn("quorum: could not load own quorum key shard", "err", err)
	}

	commitment, err := n.tryCommit(ctx, collector, required, epoch, prevRoot, newRoot)
	if err != nil {
		n.finishLeading()
		return Commitment{}, err
	}
	if err := n.members.SaveCommitment(ctx, commitment); err != nil {
		n.finishLeading()
		return Commitment{}, fmt.Errorf("saving commitment: %w", err)
	}
	n.setCommitmentEpoch(epoch)
	n.finishLeading()
	return commitment, nil
}

// prevEpoch is the epoch a proposed transition to epoch is measured
// against: epoch 0 has no predecessor.
func prevEpoch(epoch uint64) uint64 {
	if epoch == 0 {
		return 0
	}
	return epoch - 1
}

// tryCommit waits for shares to arrive and, once at least required
// have, tries generate_commitment against every T-subset of the
// collected shares rather than the whole set at once (§4.2.4/§9): a
// single corrupt or dishonestly-reported share poisons whichever
// subset contains it, but Lagrange interpolation has no way to detect
// that on its own, so every candidate commitment is checked against
// the quorum's published public key before being accepted. The node
// stays Leading, waiting for more shares or a different subset to
// succeed, until DistributedProcessingTimeout elapses.
func (n *Node) tryCommit(ctx context.Context, collector *inflightCollector, required int, epoch uint64, prevRoot, newRoot [32]byte) (Commitment, error) {
	deadline := time.Now().Add(n.cfg.DistributedProcessingTimeout)
	var lastErr error
	for {
		snapshot := collector.shareSnapshot()
		if len(snapshot) >= required {
			for _, subset := range tSubsets(snapshot, required) {
				commitment, err := n.crypto.GenerateCommitment(ctx, subset, epoch, prevRoot, newRoot)
				if err != nil {
					lastErr = err
					continue
				}
				if len(n.cfg.QuorumPublicKey) > 0 && !quorumcrypto.VerifyCommitment(n.cfg.QuorumPublicKey, commitment) {
					lastErr = fmt.Errorf("reconstructed commitment failed to verify against the quorum public key")
					continue
				}
				return commitment, nil
			}
		}
		if !time.Now().Before(deadline) || ctx.Err() != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if lastErr != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrReconstructionFailed, lastErr)
	}
	return Commitment{}, ErrReconstructionFailed
}

// tSubsets enumerates every size-t combination of shares, in a stable
// order, for tryCommit to try in turn.
func tSubsets(shares []quorumcrypto.Shard, t int) [][]quorumcrypto.Shard {
	n := len(shares)
	if t <= 0 || t > n {
		return nil
	}
	idx := make([]int, t)
	for i := range idx {
		idx[i] = i
	}
	var out [][]quorumcrypto.Shard
	for {
		subset := make([]quorumcrypto.Shard, t)
		for i, ix := range idx {
			subset[i] = shares[ix]
		}
		out = append(out, subset)

		i := t - 1
		for i >= 0 && idx[i] == n-t+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < t; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// ownShare retrieves this node's own at-rest quorum key shard and
// decrypts it. A shard is stored encrypted to the owning node's own
// public key (§4.2.5), so DecryptMessage alone — with no peer lookup —
// recovers it.
func (n *Node) ownShare(ctx context.Context) (quorumcrypto.Shard, error) {
	enc, err := n.crypto.RetrieveQKShard(ctx, n.cfg.NodeID)
	if err != nil {
		return quorumcrypto.Shard{}, err
	}
	plaintext, _, err := n.crypto.DecryptMessage(enc.Ciphertext)
	if err != nil {
		return quorumcrypto.Shard{}, fmt.Errorf("decrypting own shard: %w", err)
	}
	shard, err := quorumcrypto.DecodeShard(n.cfg.NodeID, plaintext)
	if err != nil {
		return quorumcrypto.Shard{}, fmt.Errorf("decoding own shard: %w", err)
	}
	return shard, nil
}

func (n *Node) finishLeading() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetToReadyLocked()
}

// handleVerifyRequest is the Following side of §4.2.5: reply with this
// node's own quorum key shard so the leader can reconstruct and sign.
func (n *Node) handleVerifyRequest(ctx context.Context, from uint64, req VerifyRequest) (string, any) {
	n.mu.Lock()
	if n.status != StatusReady {
		n.mu.Unlock()
		return typeInterNodeAck, InterNodeAck{Ok: false, Err: "node is not Ready"}
	}
	n.status = StatusFollowing
	n.followingSub = FollowingVerifying
	n.op = OperationState{StartedAt: time.Now(), Request: req}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.resetToReadyLocked()
		n.mu.Unlock()
	}()

	// §4.2.4 steps 1-4: a follower runs the append-only checker against
	// the proposed transition before it will reshare anything at all.
	// A failed check yields shard=None, not a decline-to-answer: the
	// leader must see the failure to know not to count this node
	// toward the threshold.
	if err := history.VerifyAppendOnly(req.AppendOnlyProof, prevEpoch(req.Epoch), req.PrevRoot, req.Epoch, req.NewRoot); err != nil {
		n.log.Warn("quorum: append-only check failed, declining to share", "from", from, "epoch", req.Epoch, "err", err)
		return typeVerifyResponse, VerifyResponse{Epoch: req.Epoch, Shard: nil}
	}

	shard, err := n.ownShare(ctx)
	if err != nil {
		n.log.Warn("quorum: failed to load own quorum key shard", "from", from, "err", err)
		return typeVerifyResponse, VerifyResponse{Epoch: req.Epoch, Shard: nil}
	}
	return typeVerifyResponse, VerifyResponse{Epoch: req.Epoch, Shard: &shard}
}

func (n *Node) handleVerifyResponse(from uint64, vr VerifyResponse) {
	if vr.Shard == nil {
		n.log.Warn("quorum: peer declined to share, append-only check failed", "peer", from)
		return
	}
	n.mu.Lock()
	collector := n.inflight
	n.mu.Unlock()
	if collector != nil {
		collector.addShare(*vr.Shard)
	}
}
