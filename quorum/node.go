package quorum

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"keydirectory.example/internal/metrics"
	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

// Node is a single quorum member's runtime: the state machine of
// §4.2.1 driven by two concurrent reception loops (§5), one per
// channel (public submissions, inter-node protocol messages).
//
// The mutex guards only the state fields; Transport, Cryptographer and
// the two stores are expected to be internally safe for concurrent
// use and are never mutated after construction.
type Node struct {
	cfg       Config
	transport quorumnet.Transport
	crypto    quorumcrypto.Cryptographer
	members   MemberStore
	nonces    NonceStore
	log       *slog.Logger
	metrics   *metrics.Registry

	mu              sync.Mutex
	status          Status
	leadingSub      LeadingSubstate
	followingSub    FollowingSubstate
	op              OperationState
	backlog         []func()

	// inflight collects shares/votes for the operation currently being
	// led; reset on every transition back to Ready.
	inflight *inflightCollector

	// currentLeader is the node id of whichever peer most recently
	// addressed this node as a Following participant, so replies that
	// are not already tied to a request (e.g. a test-result vote) know
	// where to go.
	currentLeader uint64

	// publicHandler processes a client submission arriving on the
	// externally facing channel; the directory layer supplies it, since
	// the quorum package itself has no notion of directory updates.
	publicHandler func(context.Context, quorumnet.PublicNodeMessage)
}

// SetPublicHandler installs the callback invoked for every message
// arriving on the public submission channel. It must be called before
// Run.
func (n *Node) SetPublicHandler(h func(context.Context, quorumnet.PublicNodeMessage)) {
	n.publicHandler = h
}

// SetMetrics wires reg as the destination for this node's
// VerifyEpoch-latency, commitment-epoch, and member-operation
// counters (SPEC_FULL.md §1's ambient metrics stack). A nil reg, the
// zero value, disables recording entirely.
func (n *Node) SetMetrics(reg *metrics.Registry) {
	n.metrics = reg
}

// observeVerifyLatency records the end-to-end duration of a
// leader-driven VerifyEpoch call, successful or not.
func (n *Node) observeVerifyLatency(d time.Duration) {
	if n.metrics != nil {
		n.metrics.VerifyLatency.Observe(d.Seconds())
	}
}

// setCommitmentEpoch publishes the epoch of the most recently signed
// commitment.
func (n *Node) setCommitmentEpoch(epoch uint64) {
	if n.metrics != nil {
		n.metrics.CommitmentEpoch.Set(float64(epoch))
	}
}

// recordMemberOp counts an EnrollMember/RemoveMember outcome,
// partitioned by kind ("enroll"/"remove") and whether it succeeded.
func (n *Node) recordMemberOp(kind string, err error) {
	if n.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	n.metrics.MemberOperations.WithLabelValues(kind, outcome).Inc()
}

func (n *Node) handlePublicSubmission(ctx context.Context, msg quorumnet.PublicNodeMessage) {
	if n.publicHandler == nil {
		n.log.Debug("quorum: dropping public submission, no handler installed")
		return
	}
	n.publicHandler(ctx, msg)
}

// NewNode constructs a Node in the Ready state. Call Run to start its
// reception loops.
func NewNode(cfg Config, transport quorumnet.Transport, crypto quorumcrypto.Cryptographer, members MemberStore, nonces NonceStore, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	return &Node{
		cfg:       cfg,
		transport: transport,
		crypto:    crypto,
		members:   members,
		nonces:    nonces,
		log:       log,
		status:    StatusReady,
	}
}

// Status reports the node's current state, for metrics/diagnostics.
func (n *Node) Status() (Status, LeadingSubstate, FollowingSubstate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status, n.leadingSub, n.followingSub
}

// Run drives the node's two reception loops until ctx is cancelled.
// If the quorum is disabled (GroupSize == 0) Run returns immediately.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.Disabled() {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.interNodeLoop(ctx) })
	g.Go(func() error { return n.publicLoop(ctx) })
	return g.Wait()
}

// receptionTimeout returns a randomised timeout in [Min, Max), doubling
// as the node's TimerTick clock (§4.2.7): a loop iteration that times
// out without a message still runs the timeout check below.
func (n *Node) receptionTimeout() time.Duration {
	lo, hi := n.cfg.ReceptionTimeoutMin, n.cfg.ReceptionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (n *Node) interNodeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, reply, err := n.transport.ReceiveInterNode(ctx, n.receptionTimeout())
		if err != nil {
			if err == quorumnet.ErrTimeout {
				n.onTimerTick(ctx)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.Warn("quorum: inter-node receive failed", "err", err)
			continue
		}
		// Detached handling: the dispatch may block on further peer RPCs
		// (e.g. the leader re-fanning-out), so it must not stall this
		// loop's ability to keep receiving (§5).
		go n.dispatch(ctx, msg, reply)
	}
}

func (n *Node) publicLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := n.transport.ReceivePublic(ctx, n.receptionTimeout())
		if err != nil {
			if err == quorumnet.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.Warn("quorum: public receive failed", "err", err)
			continue
		}
		n.handlePublicSubmission(ctx, msg)
	}
}

// onTimerTick runs on every reception timeout of the inter-node loop:
// it forces a Leading/Following operation that has overrun
// DistributedProcessingTimeout back to Ready (§4.2.4).
func (n *Node) onTimerTick(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusReady {
		return
	}
	if time.Since(n.op.StartedAt) > n.cfg.DistributedProcessingTimeout {
		n.log.Warn("quorum: operation timed out, returning to Ready",
			"status", n.status, "started_at", n.op.StartedAt)
		n.resetToReadyLocked()
	}
}

func (n *Node) resetToReadyLocked() {
	n.status = StatusReady
	n.leadingSub = LeadingNone
	n.followingSub = FollowingNone
	n.op = OperationState{}
	n.inflight = nil
	n.currentLeader = 0
	n.drainBacklogLocked()
}

// drainBacklogLocked re-queues the oldest backlogged operation, if any,
// as a goroutine so it is retried now that the node is Ready (§4.2.2).
func (n *Node) drainBacklogLocked() {
	if len(n.backlog) == 0 {
		return
	}
	next := n.backlog[0]
	n.backlog = n.backlog[1:]
	go next()
}

// awaitAcks blocks until acks has recorded one ack per expected
// recipient or DistributedProcessingTimeout elapses, whichever comes
// first (§4.2.5/§4.2.6: "tracks outstanding acks ... upon receiving
// all, or on timeout, returns to Ready").
func (n *Node) awaitAcks(ctx context.Context, acks *inflightCollector, expected int) {
	if expected <= 0 {
		return
	}
	deadline := time.Now().Add(n.cfg.DistributedProcessingTimeout)
	for acks.ackCount() < expected && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if got := acks.ackCount(); got < expected {
		n.log.Warn("quorum: timed out waiting for member acks", "got", got, "expected", expected)
	}
}

// enqueueOrRun runs fn immediately if the node is Ready (transitioning
// it out of Ready is fn's responsibility), or queues it for later if
// not, subject to BacklogCapacity.
func (n *Node) enqueueOrRun(fn func()) error {
	n.mu.Lock()
	ready := n.status == StatusReady
	if ready {
		n.mu.Unlock()
		fn()
		return nil
	}
	if len(n.backlog) >= n.cfg.BacklogCapacity {
		n.mu.Unlock()
		return ErrBacklogFull
	}
	n.backlog = append(n.backlog, fn)
	n.mu.Unlock()
	return nil
}

// inflightCollector accumulates votes/shares/acks for the operation the
// leader is currently driving.
type inflightCollector struct {
	mu     sync.Mutex
	shares []quorumcrypto.Shard
	votes  map[uint64]bool
	acks   map[uint64]InterNodeAck
}

func newInflightCollector() *inflightCollector {
	return &inflightCollector{votes: make(map[uint64]bool), acks: make(map[uint64]InterNodeAck)}
}

func (c *inflightCollector) addShare(s quorumcrypto.Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shares = append(c.shares, s)
}

func (c *inflightCollector) shareCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shares)
}

func (c *inflightCollector) shareSnapshot() []quorumcrypto.Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]quorumcrypto.Shard, len(c.shares))
	copy(out, c.shares)
	return out
}

func (c *inflightCollector) addVote(nodeID uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votes[nodeID] = ok
}

func (c *inflightCollector) voteCounts() (yes, no int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.votes {
		if v {
			yes++
		} else {
			no++
		}
	}
	return
}

// addAck records the InterNodeAck a distribution recipient sent back,
// keyed by its node id so a duplicate or retried reply does not count
// twice (§4.2.5/§4.2.6: "the Leader tracks outstanding acks ... upon
// receiving all, or on timeout, returns to Ready").
func (c *inflightCollector) addAck(nodeID uint64, ack InterNodeAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks[nodeID] = ack
}

func (c *inflightCollector) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

// ackFailures reports how many recorded acks were negative.
func (c *inflightCollector) ackFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := 0
	for _, a := range c.acks {
		if !a.Ok {
			failures++
		}
	}
	return failures
}
