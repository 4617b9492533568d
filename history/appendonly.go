package history

import (
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/tlog"
)

// AppendOnlyProof is the Merkle consistency proof a directory operator
// produces alongside an epoch transition (§4.2.4's audit_verify step):
// evidence that the tree at the new epoch is a strict append-only
// extension of the tree at the previous one, nothing already committed
// having been altered or removed. It is a sequence of node hashes in
// the same shape as the teacher's own tlogx.HashProof, repurposed here
// from the teacher's transparency-log tile indexing to the epoch
// counter of this tree.
type AppendOnlyProof [][32]byte

// ErrNotAppendOnly is returned by VerifyAppendOnly when a proof fails
// to establish that newRoot extends prevRoot.
var ErrNotAppendOnly = errors.New("history: append-only proof verification failed")

// VerifyAppendOnly checks proof against the claim that the tree at
// newEpoch with root newRoot contains, as a prefix, every record
// committed by the tree at prevEpoch with root prevRoot. prevEpoch == 0
// is the genesis transition, with no prior tree to be consistent with,
// and always verifies trivially.
//
// Epoch counters stand in for tlog's record count: each epoch commits
// exactly one additional "record" (the whole tree's new root) to an
// otherwise append-only history, so golang.org/x/mod/sumdb/tlog's
// Merkle consistency-proof checker — the same one the teacher's own
// tlogx.go builds on for its transparency-log tiles — applies directly.
func VerifyAppendOnly(proof AppendOnlyProof, prevEpoch uint64, prevRoot [32]byte, newEpoch uint64, newRoot [32]byte) error {
	if prevEpoch == 0 {
		return nil
	}
	if newEpoch <= prevEpoch {
		return fmt.Errorf("%w: new epoch %d does not follow previous epoch %d", ErrNotAppendOnly, newEpoch, prevEpoch)
	}
	p := make(tlog.TreeProof, len(proof))
	for i, h := range proof {
		p[i] = tlog.Hash(h)
	}
	if err := tlog.CheckTree(p, int64(newEpoch), tlog.Hash(newRoot), int64(prevEpoch), tlog.Hash(prevRoot)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAppendOnly, err)
	}
	return nil
}
