package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

// EnrollMember is the leader-initiated member addition of §4.2.5: every
// current member independently challenges the candidate for liveness,
// and only once a majority agree it is reachable does the leader
// re-share the quorum signing key across the enlarged group.
func (n *Node) EnrollMember(ctx context.Context, candidate Member, contact quorumnet.ContactInfo) error {
	if n.cfg.Disabled() {
		return nil
	}
	done := make(chan error, 1)
	run := func() { done <- n.runEnrollMember(ctx, candidate, contact) }
	if err := n.enqueueOrRun(run); err != nil {
		return &QuorumOperationError{Operation: "EnrollMember", Err: err}
	}
	select {
	case err := <-done:
		if err != nil {
			return &QuorumOperationError{Operation: "EnrollMember", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) runEnrollMember(ctx context.Context, candidate Member, contact quorumnet.ContactInfo) (err error) {
	defer func() { n.recordMemberOp("enroll", err) }()

	n.mu.Lock()
	n.status = StatusLeading
	n.leadingSub = LeadingProcessingAddition
	n.op = OperationState{StartedAt: time.Now(), Request: candidate}
	n.inflight = newInflightCollector()
	collector := n.inflight
	n.mu.Unlock()
	defer n.finishLeading()

	existingMembers, err := n.members.Members(ctx)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}

	init := AddNodeInit{Candidate: candidate, NewGroupSize: uint8(len(existingMembers) + 1)}
	for _, m := range existingMembers {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		m := m
		go func() {
			if _, err := n.rpc(ctx, m.NodeID, typeAddNodeInit, init, n.cfg.RPCTimeout); err != nil {
				n.log.Warn("quorum: AddNodeInit failed", "peer", m.NodeID, "err", err)
			}
		}()
	}

	// This node performs the same liveness test on its own behalf.
	selfPassed := n.testCandidate(ctx, candidate, contact)
	collector.addVote(n.cfg.NodeID, selfPassed)

	deadline := time.Now().Add(n.cfg.RPCTimeout * 2)
	for len(existingMembers) > 1 && votesCast(collector) < len(existingMembers) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	yes, no := collector.voteCounts()
	if yes <= no {
		n.log.Warn("quorum: candidate failed liveness test", "candidate", candidate.NodeID, "yes", yes, "no", no)
		return fmt.Errorf("candidate %d did not pass admission vote (%d yes, %d no)", candidate.NodeID, yes, no)
	}

	n.mu.Lock()
	n.leadingSub = LeadingAddingMember
	n.mu.Unlock()

	recipients := make([]quorumcrypto.Recipient, 0, len(existingMembers)+1)
	for _, m := range existingMembers {
		recipients = append(recipients, quorumcrypto.Recipient{NodeID: m.NodeID, PublicKey: m.PublicKey})
	}
	recipients = append(recipients, quorumcrypto.Recipient{NodeID: candidate.NodeID, PublicKey: candidate.PublicKey})

	ownShard, err := n.ownShare(ctx)
	if err != nil {
		return fmt.Errorf("loading own shard for resharing: %w", err)
	}
	newShards, err := n.crypto.GenerateEncryptedShards(ctx, []quorumcrypto.Shard{ownShard}, recipients)
	if err != nil {
		return fmt.Errorf("generating new shards: %w", err)
	}

	wireShards := make(map[NodeID]EncryptedShardMsg, len(newShards))
	for _, s := range newShards {
		wireShards[s.OwnerID] = EncryptedShardMsg{OwnerID: s.OwnerID, Ciphertext: s.Ciphertext}
	}

	acks := newInflightCollector()
	n.mu.Lock()
	n.inflight = acks
	n.mu.Unlock()

	expectedAcks := 0
	for _, m := range existingMembers {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		expectedAcks++
		m := m
		go func() {
			res := AddNodeResult{Candidate: candidate.NodeID, Admitted: true, NewShards: wireShards}
			env, err := n.rpc(ctx, m.NodeID, typeAddNodeResult, res, n.cfg.RPCTimeout)
			if err != nil {
				n.log.Warn("quorum: AddNodeResult delivery failed", "peer", m.NodeID, "err", err)
				acks.addAck(m.NodeID, InterNodeAck{Ok: false, Err: err.Error()})
				return
			}
			acks.addAck(m.NodeID, decodeInterNodeAck(env))
		}()
	}
	if shard, ok := wireShards[candidate.NodeID]; ok {
		expectedAcks++
		go func() {
			res := AddNodeResult{Candidate: candidate.NodeID, Admitted: true, NewShards: map[NodeID]EncryptedShardMsg{candidate.NodeID: shard}}
			env, err := n.rpcToContact(ctx, contact, candidate.PublicKey, typeAddNodeResult, res, n.cfg.RPCTimeout)
			if err != nil {
				n.log.Warn("quorum: AddNodeResult delivery to candidate failed", "err", err)
				acks.addAck(candidate.NodeID, InterNodeAck{Ok: false, Err: err.Error()})
				return
			}
			acks.addAck(candidate.NodeID, decodeInterNodeAck(env))
		}()
	}

	n.awaitAcks(ctx, acks, expectedAcks)
	if failures := acks.ackFailures(); failures > 0 {
		n.log.Warn("quorum: some members NACKed or failed to apply the new shard", "peer_failures", failures)
	}

	if err := n.applyOwnShard(ctx, wireShards[n.cfg.NodeID]); err != nil {
		n.log.Warn("quorum: failed to apply own new shard", "err", err)
	}
	if err := n.members.AddMember(ctx, candidate); err != nil {
		return fmt.Errorf("recording new member: %w", err)
	}
	return nil
}

func votesCast(c *inflightCollector) int {
	yes, no := c.voteCounts()
	return yes + no
}

// testCandidate performs the NewNodeTest liveness challenge directly
// against contact, independent of every other member's own test
// (§4.2.5: each member tests the candidate itself rather than trusting
// a single member's report).
func (n *Node) testCandidate(ctx context.Context, candidate Member, contact quorumnet.ContactInfo) bool {
	nonce, err := n.nonces.Next(ctx, candidate.NodeID)
	if err != nil {
		return false
	}
	env, err := n.rpcToContact(ctx, contact, candidate.PublicKey, typeNewNodeTest, NewNodeTest{Nonce: nonce}, n.cfg.RPCTimeout)
	if err != nil {
		return false
	}
	var result NewNodeTestResult
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return false
	}
	return result.Nonce == nonce
}

// applyOwnShard persists a freshly generated shard for this node and
// hands it to the cryptography layer so future VerifyEpoch calls use
// it.
func (n *Node) applyOwnShard(ctx context.Context, shard EncryptedShardMsg) error {
	if shard.Ciphertext == nil {
		return nil
	}
	return n.crypto.UpdateQKShard(ctx, quorumcrypto.EncryptedShard{OwnerID: shard.OwnerID, Ciphertext: shard.Ciphertext})
}

// handleAddNodeInit is the Following side: independently test the
// candidate and report back to the leader.
func (n *Node) handleAddNodeInit(ctx context.Context, from uint64, req AddNodeInit) {
	n.mu.Lock()
	if n.status != StatusReady {
		n.mu.Unlock()
		return
	}
	n.status = StatusFollowing
	n.followingSub = FollowingTestingAddMember
	n.op = OperationState{StartedAt: time.Now(), Request: req}
	n.currentLeader = from
	n.mu.Unlock()

	// The candidate's own contact info travels with it; in a deployment
	// this would be resolved from the AddNodeInit payload directly.
	contact := quorumnet.ContactInfo{Address: req.Candidate.ContactInfo}
	passed := n.testCandidate(ctx, req.Candidate, contact)

	n.mu.Lock()
	n.followingSub = FollowingWaitingOnMemberAddResult
	n.mu.Unlock()

	vote := AddNodeTestResult{Candidate: req.Candidate.NodeID, Passed: passed}
	if _, err := n.rpc(ctx, from, typeAddNodeTestResult, vote, n.cfg.RPCTimeout); err != nil {
		n.log.Warn("quorum: failed to report candidate test result", "err", err)
	}
}

func (n *Node) handleAddNodeTestResult(from uint64, vote AddNodeTestResult) {
	n.mu.Lock()
	collector := n.inflight
	n.mu.Unlock()
	if collector != nil {
		collector.addVote(from, vote.Passed)
	}
}

func (n *Node) handleAddNodeResult(ctx context.Context, res AddNodeResult) (ok bool, errMsg string) {
	defer func() {
		n.mu.Lock()
		n.resetToReadyLocked()
		n.mu.Unlock()
	}()
	if !res.Admitted {
		return true, ""
	}
	if shard, ok := res.NewShards[n.cfg.NodeID]; ok {
		if err := n.applyOwnShard(ctx, shard); err != nil {
			n.log.Warn("quorum: failed to apply resharded quorum key", "err", err)
			return false, err.Error()
		}
	}
	return true, ""
}
