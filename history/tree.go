package history

import (
	"context"
	"errors"
	"fmt"

	"keydirectory.example/label"
)

// NewLeaf constructs the leaf record to pass to InsertLeaf. rawValueHash is
// the pre-hashed entry value; l must not collide with any label already
// present in the tree.
func NewLeaf(l label.Label, rawValueHash [32]byte, epoch uint64) *Node {
	return &Node{Label: l, Kind: KindLeaf, Birth: epoch, Last: epoch, Value: rawValueHash}
}

// InsertLeaf mutates the tree rooted at RootLabel so that after return it
// contains leaf on a path from the root consistent with the node
// invariants (spec §3.2), per the algorithm of spec §4.1.2. InsertLeaf
// always runs in Hashing mode: on return every node on the root-to-leaf
// path has Last equal to epoch and a recomputed Hash (spec §4.1.1).
//
// leaf must not already be present in the tree; InsertLeaf does not detect
// duplicate labels itself (the caller is expected to have checked, per
// spec §4.1.1's "no extant leaf has this label" precondition).
func InsertLeaf(ctx context.Context, store NodeStore, h HashFunc, leaf *Node, epoch uint64) error {
	return insertAt(ctx, store, h, label.RootLabel, leaf, epoch, Hashing)
}

// InsertLeafNoHashing is InsertLeaf with mode NoHashing: nodes on the path
// get their Last stamped, but hashes are left stale until a later
// BulkSetRootHash(epoch) call.
func InsertLeafNoHashing(ctx context.Context, store NodeStore, leaf *Node, epoch uint64) error {
	return insertAt(ctx, store, nil, label.RootLabel, leaf, epoch, NoHashing)
}

func insertAt(ctx context.Context, store NodeStore, h HashFunc, selfLabel label.Label, leaf *Node, epoch uint64, mode HashingMode) error {
	self, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: selfLabel}, epoch)
	if errors.Is(err, ErrNotFound) {
		// A node invariant (§3.2) guarantees every child slot referenced
		// by a parent names a real, persisted node; the store having no
		// record for it means the tree is malformed.
		return fmt.Errorf("history: %v: %w", selfLabel, ErrNoChildAtEpoch)
	}
	if err != nil {
		return fmt.Errorf("history: loading %v: %w", selfLabel, err)
	}

	p, dSelf, dLeaf := label.Lcp(self.Label, leaf.Label)

	if self.Kind == KindRoot {
		if dSelf != label.None {
			return fmt.Errorf("history: internal error: root label is not a prefix of %v", leaf.Label)
		}
		if dLeaf == label.None {
			return fmt.Errorf("history: leaf label collides with root")
		}
		slot := self.childSlot(dLeaf)
		if !present(slot) {
			return bootstrapRoot(ctx, store, h, self, dLeaf, leaf, epoch, mode)
		}
		if err := insertAt(ctx, store, h, slot, leaf, epoch, mode); err != nil {
			return err
		}
		return rehashSelf(ctx, store, h, self.Label, epoch, mode)
	}

	if dSelf != label.None {
		return splitBelowParent(ctx, store, h, self, p, dLeaf, dSelf, leaf, epoch, mode)
	}

	// Descend case: self.Label is a prefix of leaf.Label.
	slot := self.childSlot(dLeaf)
	if !present(slot) {
		return ErrNoChildAtEpoch
	}
	if err := insertAt(ctx, store, h, slot, leaf, epoch, mode); err != nil {
		return err
	}
	return rehashSelf(ctx, store, h, self.Label, epoch, mode)
}

// bootstrapRoot installs leaf directly as the root's empty child slot, per
// spec §4.1.2's root bootstrap case.
func bootstrapRoot(ctx context.Context, store NodeStore, h HashFunc, root *Node, dLeaf label.Side, leaf *Node, epoch uint64, mode HashingMode) error {
	leaf.Parent = root.Label
	if mode == Hashing {
		leaf.Hash = leafHash(h, leaf.Label, leaf.Value)
	}
	if err := store.Set(ctx, leaf); err != nil {
		return err
	}

	root.setChildSlot(dLeaf, leaf.Label)
	root.Last = epoch
	if mode == Hashing {
		leftHash, err := bootstrapSiblingHash(ctx, store, h, root.Left, dLeaf, label.Left, leaf, epoch)
		if err != nil {
			return err
		}
		rightHash, err := bootstrapSiblingHash(ctx, store, h, root.Right, dLeaf, label.Right, leaf, epoch)
		if err != nil {
			return err
		}
		root.Hash = nonLeafHash(h, root.Label, leftHash, rightHash)
	}
	return store.Set(ctx, root)
}

// bootstrapSiblingHash returns the hash contribution of root's child in
// direction d, where slot is that child's current label: leaf.Hash if d is
// the slot that was just filled with leaf, the already-persisted child's
// hash if some other child already occupied that slot, or the empty-child
// constant if the slot remains unfilled.
func bootstrapSiblingHash(ctx context.Context, store NodeStore, h HashFunc, slot label.Label, dLeaf, d label.Side, leaf *Node, epoch uint64) ([32]byte, error) {
	if d == dLeaf {
		return leaf.Hash, nil
	}
	if !present(slot) {
		return emptyChildHash(h), nil
	}
	c, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: slot}, epoch)
	if err != nil {
		return [32]byte{}, err
	}
	return c.Hash, nil
}

// splitBelowParent implements spec §4.1.2's split case: self.Label is not
// a prefix of leaf.Label, so a new interior M is spliced in place of self
// below self's existing parent.
func splitBelowParent(ctx context.Context, store NodeStore, h HashFunc, self *Node, p label.Label, dLeaf, dSelf label.Side, leaf *Node, epoch uint64, mode HashingMode) error {
	parent, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: self.Parent}, epoch)
	if err != nil {
		return fmt.Errorf("history: loading parent of %v: %w", self.Label, err)
	}

	var selfDir label.Side
	switch {
	case parent.Left.Equal(self.Label):
		selfDir = label.Left
	case parent.Right.Equal(self.Label):
		selfDir = label.Right
	default:
		return fmt.Errorf("history: internal error: %v is not a child of its recorded parent %v", self.Label, self.Parent)
	}

	m := &Node{Label: p, Kind: KindInterior, Birth: epoch, Last: epoch, Parent: parent.Label}
	m.setChildSlot(dLeaf, leaf.Label)
	m.setChildSlot(dSelf, self.Label)

	leaf.Parent = m.Label
	self.Parent = m.Label

	if mode == Hashing {
		leaf.Hash = leafHash(h, leaf.Label, leaf.Value)
		var lHash, rHash [32]byte
		if dLeaf == label.Left {
			lHash, rHash = leaf.Hash, self.Hash
		} else {
			lHash, rHash = self.Hash, leaf.Hash
		}
		m.Hash = nonLeafHash(h, m.Label, lHash, rHash)
	}

	if err := store.Set(ctx, leaf); err != nil {
		return err
	}
	if err := store.Set(ctx, self); err != nil {
		return err
	}
	if err := store.Set(ctx, m); err != nil {
		return err
	}

	parent.setChildSlot(selfDir, m.Label)
	parent.Last = epoch
	if mode == Hashing {
		otherDir := label.Right
		if selfDir == label.Right {
			otherDir = label.Left
		}
		otherHash, err := siblingHash(ctx, store, h, parent, otherDir, epoch)
		if err != nil {
			return err
		}
		if selfDir == label.Left {
			parent.Hash = nonLeafHash(h, parent.Label, m.Hash, otherHash)
		} else {
			parent.Hash = nonLeafHash(h, parent.Label, otherHash, m.Hash)
		}
	}
	return store.Set(ctx, parent)
}

// rehashSelf re-reads selfLabel from storage (to observe the updated Last
// of a child just mutated by a nested call) and, when mode is Hashing,
// recomputes its hash from its two children. It is the "self's hash is
// re-read from storage... then re-hashed iff self.kind != Leaf" step of
// spec §4.1.2.
func rehashSelf(ctx context.Context, store NodeStore, h HashFunc, selfLabel label.Label, epoch uint64, mode HashingMode) error {
	self, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: selfLabel}, epoch)
	if err != nil {
		return err
	}
	self.Last = epoch
	if mode == Hashing && self.Kind != KindLeaf {
		leftHash, err := siblingHash(ctx, store, h, self, label.Left, epoch)
		if err != nil {
			return err
		}
		rightHash, err := siblingHash(ctx, store, h, self, label.Right, epoch)
		if err != nil {
			return err
		}
		self.Hash = nonLeafHash(h, self.Label, leftHash, rightHash)
	}
	return store.Set(ctx, self)
}

// siblingHash returns the hash contribution of n's child in direction d:
// emptyChildHash if absent, otherwise the child's stored hash.
func siblingHash(ctx context.Context, store NodeStore, h HashFunc, n *Node, d label.Side, epoch uint64) ([32]byte, error) {
	child := n.childSlot(d)
	if !present(child) {
		return emptyChildHash(h), nil
	}
	c, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: child}, epoch)
	if err != nil {
		return [32]byte{}, err
	}
	return c.Hash, nil
}

// BulkSetRootHash recomputes hashes for every node written at epoch by a
// prior NoHashing insertion batch, bottom-up, per spec §4.1.1.
func BulkSetRootHash(ctx context.Context, store NodeStore, h HashFunc, epoch uint64) error {
	_, err := bulkHash(ctx, store, h, label.RootLabel, epoch)
	return err
}

func bulkHash(ctx context.Context, store NodeStore, h HashFunc, l label.Label, epoch uint64) ([32]byte, error) {
	n, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: l}, epoch)
	if err != nil {
		return [32]byte{}, err
	}
	if n.Last != epoch {
		return n.Hash, nil
	}
	if n.Kind == KindLeaf {
		n.Hash = leafHash(h, n.Label, n.Value)
		if err := store.Set(ctx, n); err != nil {
			return [32]byte{}, err
		}
		return n.Hash, nil
	}

	leftHash := emptyChildHash(h)
	if present(n.Left) {
		leftHash, err = bulkHash(ctx, store, h, n.Left, epoch)
		if err != nil {
			return [32]byte{}, err
		}
	}
	rightHash := emptyChildHash(h)
	if present(n.Right) {
		rightHash, err = bulkHash(ctx, store, h, n.Right, epoch)
		if err != nil {
			return [32]byte{}, err
		}
	}
	n.Hash = nonLeafHash(h, n.Label, leftHash, rightHash)
	if err := store.Set(ctx, n); err != nil {
		return [32]byte{}, err
	}
	return n.Hash, nil
}

// SetChild implements spec §4.1.5's best-effort paired edge write: it
// stamps both parent and child with epoch and persists both records. A
// torn write (parent persisted, child not, or vice versa) is left for the
// next publish to repair by rewriting both sides again.
func SetChild(ctx context.Context, store NodeStore, parent, child *Node, d label.Side, epoch uint64) error {
	parent.setChildSlot(d, child.Label)
	parent.Last = epoch
	child.Parent = parent.Label
	child.Last = epoch
	if err := store.Set(ctx, parent); err != nil {
		return err
	}
	return store.Set(ctx, child)
}
