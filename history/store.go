package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"keydirectory.example/label"
)

// ErrNotFound is returned when a NodeStore has no record for a key.
var ErrNotFound = errors.New("history: node not found")

// ErrNoChildAtEpoch is the structural fault of spec §4.1.2: the descend
// case found a child slot that should be present (per the node invariant)
// but the store has no record for it.
var ErrNoChildAtEpoch = errors.New("history: expected child not found")

// NodeStore is the pluggable key-value backend the history tree is
// persisted through (spec.md §3.4/§6). Implementations may be backed by
// disk, SQL, a distributed KV store, or memory; the tree issues only point
// reads, point writes, and EpochLTE queries, and assumes no internal
// locking (§5).
type NodeStore interface {
	// Get returns the node record at key. If the stored Last epoch is
	// greater than epoch (another writer is mid-publish), the returned
	// Last is instead the largest epoch <= epoch at which the label was
	// written, per spec §4.1.4. Returns ErrNotFound if no record exists.
	Get(ctx context.Context, key NodeKey, epoch uint64) (*Node, error)

	// BatchGet is a point-read batch form of Get.
	BatchGet(ctx context.Context, keys []NodeKey, epoch uint64) ([]*Node, error)

	// Set persists node, recording epoch as a write for EpochLTE.
	Set(ctx context.Context, node *Node) error

	// EpochLTE returns the largest epoch <= epoch at which l was written.
	// Returns ErrNotFound if l was never written at or before epoch.
	EpochLTE(ctx context.Context, l label.Label, epoch uint64) (uint64, error)
}

// InitStorage installs the bootstrap Root record at epoch 0, the
// precondition for calling InsertLeaf against an otherwise empty store.
func InitStorage(ctx context.Context, store NodeStore) error {
	return store.Set(ctx, newRootNode())
}

type memoryStore struct {
	mu     sync.Mutex
	nodes  map[label.Label]*Node
	epochs map[label.Label][]uint64
}

// NewMemoryStore returns an in-memory NodeStore suitable for tests and for
// standalone nodes with no durability requirement.
func NewMemoryStore() NodeStore {
	return &memoryStore{
		nodes:  make(map[label.Label]*Node),
		epochs: make(map[label.Label][]uint64),
	}
}

func cloneNode(n *Node) *Node {
	c := *n
	return &c
}

func (s *memoryStore) Get(ctx context.Context, key NodeKey, epoch uint64) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key.Label]
	if !ok {
		return nil, ErrNotFound
	}
	n = cloneNode(n)
	if n.Last > epoch {
		last, err := s.epochLTELocked(key.Label, epoch)
		if err != nil {
			return nil, err
		}
		n.Last = last
	}
	return n, nil
}

func (s *memoryStore) BatchGet(ctx context.Context, keys []NodeKey, epoch uint64) ([]*Node, error) {
	out := make([]*Node, len(keys))
	for i, k := range keys {
		n, err := s.Get(ctx, k, epoch)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (s *memoryStore) Set(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.Label] = cloneNode(node)
	epochs := s.epochs[node.Label]
	i := sort.Search(len(epochs), func(i int) bool { return epochs[i] >= node.Last })
	if i == len(epochs) || epochs[i] != node.Last {
		epochs = append(epochs, 0)
		copy(epochs[i+1:], epochs[i:])
		epochs[i] = node.Last
	}
	s.epochs[node.Label] = epochs
	return nil
}

func (s *memoryStore) EpochLTE(ctx context.Context, l label.Label, epoch uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochLTELocked(l, epoch)
}

func (s *memoryStore) epochLTELocked(l label.Label, epoch uint64) (uint64, error) {
	epochs := s.epochs[l]
	i := sort.Search(len(epochs), func(i int) bool { return epochs[i] > epoch })
	if i == 0 {
		return 0, ErrNotFound
	}
	return epochs[i-1], nil
}
