package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keydirectory.example/quorumcrypto"
)

// RemoveMember is the leader-initiated member removal of §4.2.5: every
// remaining member independently challenges the target for liveness,
// and once a majority agree it is unreachable the leader re-shares the
// quorum signing key across the shrunken group.
func (n *Node) RemoveMember(ctx context.Context, targetID uint64) error {
	if n.cfg.Disabled() {
		return nil
	}
	done := make(chan error, 1)
	run := func() { done <- n.runRemoveMember(ctx, targetID) }
	if err := n.enqueueOrRun(run); err != nil {
		return &QuorumOperationError{Operation: "RemoveMember", Err: err}
	}
	select {
	case err := <-done:
		if err != nil {
			return &QuorumOperationError{Operation: "RemoveMember", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) runRemoveMember(ctx context.Context, targetID uint64) (err error) {
	defer func() { n.recordMemberOp("remove", err) }()

	n.mu.Lock()
	n.status = StatusLeading
	n.leadingSub = LeadingProcessingRemoval
	n.op = OperationState{StartedAt: time.Now(), Request: RemoveNodeInit{Target: targetID}}
	n.inflight = newInflightCollector()
	collector := n.inflight
	n.mu.Unlock()
	defer n.finishLeading()

	members, err := n.members.Members(ctx)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}

	var remaining []Member
	for _, m := range members {
		if m.NodeID != targetID {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == len(members) {
		return fmt.Errorf("%w: %d", ErrUnknownMember, targetID)
	}

	req := RemoveNodeInit{Target: targetID}
	for _, m := range remaining {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		m := m
		go func() {
			if _, err := n.rpc(ctx, m.NodeID, typeRemoveNodeInit, req, n.cfg.RPCTimeout); err != nil {
				n.log.Warn("quorum: RemoveNodeInit failed", "peer", m.NodeID, "err", err)
			}
		}()
	}

	target, _ := memberByID(members, targetID)
	selfFailed := n.testTargetUnreachable(ctx, target)
	collector.addVote(n.cfg.NodeID, selfFailed)

	deadline := time.Now().Add(n.cfg.RPCTimeout * 2)
	for len(remaining) > 1 && votesCast(collector) < len(remaining) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	failVotes, okVotes := collector.voteCounts()
	if failVotes <= okVotes {
		return fmt.Errorf("node %d was not confirmed unreachable (%d fail, %d ok)", targetID, failVotes, okVotes)
	}

	n.mu.Lock()
	n.leadingSub = LeadingRemovingMember
	n.mu.Unlock()

	recipients := make([]quorumcrypto.Recipient, 0, len(remaining))
	for _, m := range remaining {
		recipients = append(recipients, quorumcrypto.Recipient{NodeID: m.NodeID, PublicKey: m.PublicKey})
	}
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
	for _, m := range remaining {
		if m.NodeID == n.cfg.NodeID {
			continue
		}
		expectedAcks++
		m := m
		go func() {
			res := RemoveNodeResult{Target: targetID, Removed: true, NewShards: wireShards}
			env, err := n.rpc(ctx, m.NodeID, typeRemoveNodeResult, res, n.cfg.RPCTimeout)
			if err != nil {
				n.log.Warn("quorum: RemoveNodeResult delivery failed", "peer", m.NodeID, "err", err)
				acks.addAck(m.NodeID, InterNodeAck{Ok: false, Err: err.Error()})
				return
			}
			acks.addAck(m.NodeID, decodeInterNodeAck(env))
		}()
	}

	n.awaitAcks(ctx, acks, expectedAcks)
	if failures := acks.ackFailures(); failures > 0 {
		n.log.Warn("quorum: some members NACKed or failed to apply resharding", "peer_failures", failures)
	}

	if err := n.applyOwnShard(ctx, wireShards[n.cfg.NodeID]); err != nil {
		n.log.Warn("quorum: failed to apply own new shard", "err", err)
	}
	if err := n.members.RemoveMember(ctx, targetID); err != nil {
		return fmt.Errorf("recording member removal: %w", err)
	}
	return nil
}

func memberByID(members []Member, id uint64) (Member, bool) {
	for _, m := range members {
		if m.NodeID == id {
			return m, true
		}
	}
	return Member{}, false
}

// testTargetUnreachable challenges target with the same nonce-echo
// test used on enrollment candidates. SilenceMeansFailure resolves the
// specification's open question on this RPC's timeout handling (§9).
func (n *Node) testTargetUnreachable(ctx context.Context, target Member) bool {
	if target.NodeID == 0 && target.ContactInfo == "" {
		return n.cfg.SilenceMeansFailure
	}
	nonce, err := n.nonces.Next(ctx, target.NodeID)
	if err != nil {
		return n.cfg.SilenceMeansFailure
	}
	env, err := n.rpc(ctx, target.NodeID, typeNewNodeTest, NewNodeTest{Nonce: nonce}, n.cfg.RPCTimeout)
	if err != nil {
		return n.cfg.SilenceMeansFailure
	}
	var result NewNodeTestResult
	if jsonErr := json.Unmarshal(env.Payload, &result); jsonErr != nil {
		return n.cfg.SilenceMeansFailure
	}
	return result.Nonce != nonce
}

// handleRemoveNodeInit is the Following side: independently test the
// target's liveness and report back to the leader.
func (n *Node) handleRemoveNodeInit(ctx context.Context, from uint64, req RemoveNodeInit) {
	n.mu.Lock()
	if n.status != StatusReady {
		n.mu.Unlock()
		return
	}
	n.status = StatusFollowing
	n.followingSub = FollowingTestingRemoveMember
	n.op = OperationState{StartedAt: time.Now(), Request: req}
	n.currentLeader = from
	n.mu.Unlock()

	members, err := n.members.Members(ctx)
	var target Member
	if err == nil {
		target, _ = memberByID(members, req.Target)
	}
	failed := n.testTargetUnreachable(ctx, target)

	n.mu.Lock()
	n.followingSub = FollowingWaitingOnMemberRemoveResult
	n.mu.Unlock()

	vote := RemoveNodeTestResult{Target: req.Target, Failed: failed}
	if _, err := n.rpc(ctx, from, typeRemoveNodeTestResult, vote, n.cfg.RPCTimeout); err != nil {
		n.log.Warn("quorum: failed to report removal test result", "err", err)
	}
}

func (n *Node) handleRemoveNodeTestResult(from uint64, vote RemoveNodeTestResult) {
	n.mu.Lock()
	collector := n.inflight
	n.mu.Unlock()
	if collector != nil {
		collector.addVote(from, vote.Failed)
	}
}

func (n *Node) handleRemoveNodeResult(ctx context.Context, res RemoveNodeResult) (ok bool, errMsg string) {
	defer func() {
		n.mu.Lock()
		n.resetToReadyLocked()
		n.mu.Unlock()
	}()
	if !res.Removed {
		return true, ""
	}
	if shard, ok := res.NewShards[n.cfg.NodeID]; ok {
		if err := n.applyOwnShard(ctx, shard); err != nil {
			n.log.Warn("quorum: failed to apply resharded quorum key", "err", err)
			return false, err.Error()
		}
	}
	if err := n.members.RemoveMember(ctx, res.Target); err != nil {
		n.log.Warn("quorum: failed to record member removal locally", "err", err)
		return false, err.Error()
	}
	return true, ""
}
