package quorumcrypto

import (
	"context"
	"sync"
)

// MemoryShardStore is an in-memory ShardStore, used by tests and by
// nodes that do not need their shard to survive a restart.
type MemoryShardStore struct {
	mu    sync.Mutex
	shard EncryptedShard
	set   bool
}

var _ ShardStore = (*MemoryShardStore)(nil)

func (s *MemoryShardStore) Load(ctx context.Context) (EncryptedShard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return EncryptedShard{}, ErrNoShard
	}
	return s.shard, nil
}

func (s *MemoryShardStore) Save(ctx context.Context, shard EncryptedShard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shard = shard
	s.set = true
	return nil
}
