package quorum

import (
	"context"
	"sync"
)

// MemoryMemberStore is an in-process MemberStore, useful for tests and
// for a single-node (GroupSize == 1) deployment that has no need for
// durable membership storage.
type MemoryMemberStore struct {
	mu         sync.Mutex
	members    map[uint64]Member
	commitment *Commitment
}

// NewMemoryMemberStore returns a store seeded with the given members.
func NewMemoryMemberStore(seed ...Member) *MemoryMemberStore {
	m := &MemoryMemberStore{members: make(map[uint64]Member)}
	for _, s := range seed {
		m.members[s.NodeID] = s
	}
	return m
}

var _ MemberStore = (*MemoryMemberStore)(nil)

func (s *MemoryMemberStore) Members(ctx context.Context) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryMemberStore) AddMember(ctx context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.NodeID] = m
	return nil
}

func (s *MemoryMemberStore) RemoveMember(ctx context.Context, nodeID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, nodeID)
	return nil
}

func (s *MemoryMemberStore) LatestCommitment(ctx context.Context) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitment == nil {
		return Commitment{}, ErrStorageNotFound
	}
	return *s.commitment, nil
}

func (s *MemoryMemberStore) SaveCommitment(ctx context.Context, c Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitment = &c
	return nil
}

// MemoryNonceStore is an in-process NonceStore.
type MemoryNonceStore struct {
	mu       sync.Mutex
	inbound  map[uint64]uint64
	outbound map[uint64]uint64
}

// NewMemoryNonceStore returns an empty NonceStore.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{inbound: make(map[uint64]uint64), outbound: make(map[uint64]uint64)}
}

var _ NonceStore = (*MemoryNonceStore)(nil)

func (s *MemoryNonceStore) Accept(ctx context.Context, peer uint64, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.inbound[peer] {
		return &NonceError{Expected: s.inbound[peer], Got: nonce, Msg: "inbound replay or reorder"}
	}
	s.inbound[peer] = nonce
	return nil
}

func (s *MemoryNonceStore) Next(ctx context.Context, peer uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound[peer]++
	return s.outbound[peer], nil
}
