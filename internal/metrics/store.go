package metrics

import (
	"context"
	"errors"
	"sync/atomic"

	"keydirectory.example/history"
)

// InstrumentedStore wraps a history.NodeStore so every Get/Set records
// lookup hit/miss counts, insert counts, and an observed-depth gauge
// against a Registry, without history itself taking a dependency on
// the metrics library (SPEC_FULL.md §1: history stays store/hash
// agnostic; instrumentation is layered on at the binary's wiring edge,
// the same way cmd/keydirnode layers slogconsole and promhttp on top
// of otherwise-unaware packages).
type InstrumentedStore struct {
	history.NodeStore
	reg      *Registry
	maxDepth atomic.Uint32
}

// Instrument returns store wrapped so its Get/Set calls feed reg's
// HistoryLookups, HistoryInserts, and TreeDepth collectors.
func Instrument(store history.NodeStore, reg *Registry) *InstrumentedStore {
	return &InstrumentedStore{NodeStore: store, reg: reg}
}

func (s *InstrumentedStore) Get(ctx context.Context, key history.NodeKey, epoch uint64) (*history.Node, error) {
	n, err := s.NodeStore.Get(ctx, key, epoch)
	switch {
	case errors.Is(err, history.ErrNotFound):
		s.reg.HistoryLookups.WithLabelValues("miss").Inc()
		return n, err
	case err != nil:
		s.reg.HistoryLookups.WithLabelValues("error").Inc()
		return n, err
	}
	s.reg.HistoryLookups.WithLabelValues("hit").Inc()
	s.observeDepth(key.Label.BitLen)
	return n, nil
}

func (s *InstrumentedStore) Set(ctx context.Context, node *history.Node) error {
	if err := s.NodeStore.Set(ctx, node); err != nil {
		return err
	}
	if node.Kind == history.KindLeaf {
		s.reg.HistoryInserts.Inc()
	}
	s.observeDepth(node.Label.BitLen)
	return nil
}

// observeDepth treats a label's bit length as a proxy for how deep its
// node sits on a root-to-leaf path (path compression means edge count
// and bit length diverge, but bit length is monotonic in the same
// direction and is what's cheaply available at this layer) and
// publishes the largest value seen so far.
func (s *InstrumentedStore) observeDepth(bitLen uint32) {
	for {
		cur := s.maxDepth.Load()
		if bitLen <= cur {
			return
		}
		if s.maxDepth.CompareAndSwap(cur, bitLen) {
			s.reg.TreeDepth.Set(float64(bitLen))
			return
		}
	}
}
