package history_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"testing"

	. "keydirectory.example/history"
	"keydirectory.example/label"
)

func testHash(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func mustLabel(t *testing.T, bitLen uint32, bits [32]byte) label.Label {
	t.Helper()
	l, err := label.New(bitLen, bits)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func fatalIfErr(t *testing.T, err error) {
	if err != nil {
		t.Helper()
		t.Fatal(err)
	}
}

func newTestStore(t *testing.T) NodeStore {
	t.Helper()
	store := NewMemoryStore()
	fatalIfErr(t, InitStorage(context.Background(), store))
	return store
}

func rootHash(t *testing.T, store NodeStore) [32]byte {
	t.Helper()
	n, err := store.Get(context.Background(), NodeKey{Tag: HistoryTreeNode, Label: label.RootLabel}, ^uint64(0))
	fatalIfErr(t, err)
	return n.Hash
}

// E2E-1 — insert into empty root.
func TestE2EInsertIntoEmptyRoot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	value := testHash(nil)
	l := mustLabel(t, 1, [32]byte{})
	leaf := NewLeaf(l, value, 0)
	fatalIfErr(t, InsertLeaf(ctx, store, testHash, leaf, 0))

	leafNode, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: l}, 0)
	fatalIfErr(t, err)
	wantLeafHash := merge(testHash, value, testHash(l.Bytes()))
	if leafNode.Hash != wantLeafHash {
		t.Fatalf("leaf hash mismatch")
	}

	emptyHash := testHash([]byte("empty_node"))
	wantRoot := merge(testHash, merge(testHash, wantLeafHash, emptyHash), testHash(label.RootLabel.Bytes()))
	if got := rootHash(t, store); got != wantRoot {
		t.Fatalf("root hash mismatch: got %x want %x", got, wantRoot)
	}
}

func merge(h func([]byte) [32]byte, a, b [32]byte) [32]byte {
	buf := append(append([]byte{}, a[:]...), b[:]...)
	return h(buf)
}

// E2E-2 — two leaves, both directions.
func TestE2ETwoLeavesBothDirections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	l0 := mustLabel(t, 1, [32]byte{})
	var rightBits [32]byte
	rightBits[0] = 0x80
	l1 := mustLabel(t, 1, rightBits)

	v0 := testHash([]byte{0})
	v1 := testHash([]byte{1})

	fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(l0, v0, 0), 0))
	fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(l1, v1, 0), 0))

	leaf0Hash := merge(testHash, v0, testHash(l0.Bytes()))
	leaf1Hash := merge(testHash, v1, testHash(l1.Bytes()))
	want := merge(testHash, merge(testHash, leaf0Hash, leaf1Hash), testHash(label.RootLabel.Bytes()))
	if got := rootHash(t, store); got != want {
		t.Fatalf("root hash mismatch: got %x want %x", got, want)
	}
}

// E2E-3 — split under root.
func TestE2ESplitUnderRoot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mk := func(b0 byte) label.Label {
		var bits [32]byte
		bits[0] = b0
		return mustLabel(t, 2, bits)
	}
	l00 := mk(0b00000000)
	l11 := mk(0b11000000)
	l10 := mk(0b10000000)

	fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(l00, testHash([]byte{0}), 1), 1))
	fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(l11, testHash([]byte{1}), 2), 2))
	fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(l10, testHash([]byte{2}), 3), 3))

	var oneBit [32]byte
	oneBit[0] = 0b10000000
	interiorLabel := mustLabel(t, 1, oneBit)
	interior, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: interiorLabel}, 3)
	fatalIfErr(t, err)
	if interior.Kind != KindInterior {
		t.Fatalf("expected interior node at %v", interiorLabel)
	}
	if !interior.Left.Equal(l10) || !interior.Right.Equal(l11) {
		t.Fatalf("expected children l10/l11, got %v/%v", interior.Left, interior.Right)
	}
}

// E2E-4 — balanced 8-leaf tree.
func TestE2EBalancedEightLeaves(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var leafHashes [8][32]byte
	var labels [8]label.Label
	for i := 0; i < 8; i++ {
		var bits [32]byte
		bits[0] = byte(i) << 5
		labels[i] = mustLabel(t, 3, bits)
		value := testHash([]byte{byte(i)})
		leafHashes[i] = merge(testHash, value, testHash(labels[i].Bytes()))
		fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(labels[i], value, uint64(i+1)), uint64(i+1)))
	}

	emptyHash := testHash([]byte("empty_node"))
	_ = emptyHash

	level2 := func(a, b [32]byte, lab label.Label) [32]byte {
		return merge(testHash, merge(testHash, a, b), testHash(lab.Bytes()))
	}
	mk := func(bitLen uint32, b0 byte) label.Label {
		var bits [32]byte
		bits[0] = b0
		return mustLabel(t, bitLen, bits)
	}

	n01 := level2(leafHashes[0], leafHashes[1], mk(2, 0b00000000))
	n23 := level2(leafHashes[2], leafHashes[3], mk(2, 0b01000000))
	n45 := level2(leafHashes[4], leafHashes[5], mk(2, 0b10000000))
	n67 := level2(leafHashes[6], leafHashes[7], mk(2, 0b11000000))

	n0123 := level2(n01, n23, mk(1, 0b00000000))
	n4567 := level2(n45, n67, mk(1, 0b10000000))

	want := level2(n0123, n4567, label.RootLabel)

	if got := rootHash(t, store); got != want {
		t.Fatalf("root hash mismatch: got %x want %x", got, want)
	}
}

func TestInsertionOrderIndependence(t *testing.T) {
	ctx := context.Background()
	const n = 200

	labelsFor := func(n int) ([]label.Label, [][32]byte) {
		labels := make([]label.Label, n)
		values := make([][32]byte, n)
		for i := 0; i < n; i++ {
			var bits [32]byte
			binary.LittleEndian.PutUint16(bits[:], uint16(i))
			labels[i] = mustLabel(t, 256, bits)
			values[i] = testHash(bits[:])
		}
		return labels, values
	}

	run := func(order []int) [32]byte {
		store := newTestStore(t)
		labels, values := labelsFor(n)
		for epoch, idx := range order {
			fatalIfErr(t, InsertLeaf(ctx, store, testHash, NewLeaf(labels[idx], values[idx], uint64(epoch+1)), uint64(epoch+1)))
		}
		return rootHash(t, store)
	}

	forward := make([]int, n)
	for i := range forward {
		forward[i] = i
	}
	reverse := make([]int, n)
	for i := range reverse {
		reverse[i] = n - 1 - i
	}
	rnd := rand.New(rand.NewSource(1))
	shuffled := append([]int(nil), forward...)
	rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	want := run(forward)
	if got := run(reverse); got != want {
		t.Fatalf("reverse order produced different root hash")
	}
	if got := run(shuffled); got != want {
		t.Fatalf("shuffled order produced different root hash")
	}
}

func TestNoChildAtEpochOnCorruptTree(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var bits [32]byte
	bits[0] = 0b11000000
	l := mustLabel(t, 2, bits)

	corrupt := &Node{Label: mustLabel(t, 1, [32]byte{0x80}), Kind: KindInterior, Parent: label.RootLabel}
	corrupt.Right = l
	fatalIfErr(t, store.Set(ctx, corrupt))

	root, err := store.Get(ctx, NodeKey{Tag: HistoryTreeNode, Label: label.RootLabel}, 0)
	fatalIfErr(t, err)
	root.Right = corrupt.Label
	fatalIfErr(t, store.Set(ctx, root))

	err = InsertLeaf(ctx, store, testHash, NewLeaf(l, testHash(nil), 1), 1)
	if err == nil {
		t.Fatal("expected an error descending into a node invariant violation")
	}
}

func TestBulkSetRootHashMatchesHashing(t *testing.T) {
	ctx := context.Background()
	hashed := newTestStore(t)
	bulk := newTestStore(t)

	const epoch = 1
	for i := 0; i < 50; i++ {
		var bits [32]byte
		binary.LittleEndian.PutUint16(bits[:], uint16(i))
		l := mustLabel(t, 256, bits)
		value := testHash(bits[:])
		fatalIfErr(t, InsertLeaf(ctx, hashed, testHash, NewLeaf(l, value, epoch), epoch))
		fatalIfErr(t, InsertLeafNoHashing(ctx, bulk, NewLeaf(l, value, epoch), epoch))
	}
	fatalIfErr(t, BulkSetRootHash(ctx, bulk, testHash, epoch))

	if got, want := rootHash(t, bulk), rootHash(t, hashed); got != want {
		t.Fatalf("bulk hash mismatch: got %x want %x", got, want)
	}
}
