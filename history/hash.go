package history

import "keydirectory.example/label"

// HashFunc is the 256-bit hash the tree is parameterised over; the VRF that
// derives labels and the concrete hash algorithm are both external
// collaborators (spec.md §1), so this package only depends on the shape.
type HashFunc func([]byte) [32]byte

// HashingMode selects whether InsertLeaf maintains hashes as it goes
// (Hashing) or defers to a later BulkSetRootHash pass (NoHashing).
type HashingMode int

const (
	Hashing HashingMode = iota
	NoHashing
)

// emptyNodeConstant is the fixed input hashed to produce the value
// contributed by an absent child, per spec §4.1.3.
var emptyNodeConstant = []byte("empty_node")

func emptyChildHash(h HashFunc) [32]byte {
	return h(emptyNodeConstant)
}

func hashLabel(h HashFunc, l label.Label) [32]byte {
	return h(l.Bytes())
}

func merge(h HashFunc, a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return h(buf)
}

// leafHash implements the Leaf hashing rule: merge(raw_value_hash,
// hash_label(label)).
func leafHash(h HashFunc, l label.Label, rawValueHash [32]byte) [32]byte {
	return merge(h, rawValueHash, hashLabel(h, l))
}

// nonLeafHash implements the Non-leaf hashing rule given the hash
// contribution of each child (emptyChildHash for an absent one).
func nonLeafHash(h HashFunc, l label.Label, leftHash, rightHash [32]byte) [32]byte {
	return merge(h, merge(h, leftHash, rightHash), hashLabel(h, l))
}
