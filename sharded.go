package waytable

import (
	"container/heap"

	"github.com/pkg/errors"
)

// ShardedStore partitions the keyspace across independent stores. Each
// batch is split by shard and every sub-batch is forwarded to its owner, so
// inserts into different shards never contend. A ShardedStore is itself a
// Store and can be nested.
type ShardedStore struct {
	shards []Store
	part   Partitioner
}

var _ Store = (*ShardedStore)(nil)

// NewShardedStore creates n shards using factory. Ways are routed by
// o.Partitioner.
func NewShardedStore(n int, o *Options, factory func(shard int) (Store, error)) (*ShardedStore, error) {
	o = o.norm()
	if n < 1 {
		n = o.Shards
	}

	s := &ShardedStore{
		shards: make([]Store, 0, n),
		part:   o.Partitioner,
	}
	for i := 0; i < n; i++ {
		shard, err := factory(i)
		if err != nil {
			_ = s.Close()
			return nil, errors.Wrapf(err, "create shard %d", i)
		}
		s.shards = append(s.shards, shard)
	}
	return s, nil
}

// Reopen implements Store.
func (s *ShardedStore) Reopen() error {
	return s.each(func(shard Store) error { return shard.Reopen() })
}

// BatchStart implements Store.
func (s *ShardedStore) BatchStart() {
	for _, shard := range s.shards {
		shard.BatchStart()
	}
}

// At implements Store.
func (s *ShardedStore) At(id WayID) ([]Coordinate, error) {
	return s.shards[s.ShardOf(id)].At(id)
}

// Append appends the coordinates of a way to dst. It may return
// ErrNotFound.
func (s *ShardedStore) Append(dst []Coordinate, id WayID) ([]Coordinate, error) {
	shard := s.shards[s.ShardOf(id)]
	if a, ok := shard.(interface {
		Append([]Coordinate, WayID) ([]Coordinate, error)
	}); ok {
		return a.Append(dst, id)
	}

	coords, err := shard.At(id)
	if err != nil || dst == nil {
		return coords, err
	}
	return append(dst, coords...), nil
}

// RequiresNodes implements Store.
func (s *ShardedStore) RequiresNodes() bool {
	return len(s.shards) != 0 && s.shards[0].RequiresNodes()
}

// InsertLatpLons implements Store.
func (s *ShardedStore) InsertLatpLons(ways []Way) error {
	if len(s.shards) == 1 {
		return s.shards[0].InsertLatpLons(ways)
	}

	for i, batch := range partition(s, ways, func(w Way) WayID { return w.ID }) {
		if len(batch) == 0 {
			continue
		}
		if err := s.shards[i].InsertLatpLons(batch); err != nil {
			return errors.Wrapf(err, "shard %d", i)
		}
	}
	return nil
}

// InsertNodes implements Store.
func (s *ShardedStore) InsertNodes(ways []PendingWay) error {
	if len(s.shards) == 1 {
		return s.shards[0].InsertNodes(ways)
	}

	for i, batch := range partition(s, ways, func(w PendingWay) WayID { return w.ID }) {
		if len(batch) == 0 {
			continue
		}
		if err := s.shards[i].InsertNodes(batch); err != nil {
			return errors.Wrapf(err, "shard %d", i)
		}
	}
	return nil
}

// Clear implements Store.
func (s *ShardedStore) Clear() error {
	return s.each(func(shard Store) error { return shard.Clear() })
}

// Size implements Store.
func (s *ShardedStore) Size() int {
	var n int
	for _, shard := range s.shards {
		n += shard.Size()
	}
	return n
}

// Finalize implements Store. It finalizes every shard in turn; use
// FinalizeAll to finalize shards concurrently.
func (s *ShardedStore) Finalize(worker int) error {
	return s.each(func(shard Store) error { return shard.Finalize(worker) })
}

// Contains implements Store.
func (s *ShardedStore) Contains(shard int, id WayID) bool {
	if shard < 0 || shard >= len(s.shards) {
		return false
	}
	inner := s.shards[shard]
	return inner.Contains(inner.ShardOf(id), id)
}

// Shard implements Store.
func (s *ShardedStore) Shard(n int) Store { return s.shards[n] }

// Shards implements Store.
func (s *ShardedStore) Shards() int { return len(s.shards) }

// ShardOf implements Store.
func (s *ShardedStore) ShardOf(id WayID) int { return s.part(id, len(s.shards)) }

// NewIterator implements Store. It merges the iterators of all shards.
func (s *ShardedStore) NewIterator() Iterator {
	iters := make([]Iterator, 0, len(s.shards))
	for _, shard := range s.shards {
		iters = append(iters, shard.NewIterator())
	}
	return newMergeIterator(iters)
}

// Close closes all shards.
func (s *ShardedStore) Close() error {
	return s.each(func(shard Store) error { return shard.Close() })
}

func (s *ShardedStore) each(fn func(Store) error) error {
	var first error
	for i, shard := range s.shards {
		if err := fn(shard); err != nil && first == nil {
			first = errors.Wrapf(err, "shard %d", i)
		}
	}
	return first
}

func partition[T any](s *ShardedStore, items []T, id func(T) WayID) [][]T {
	batches := make([][]T, len(s.shards))
	for _, item := range items {
		n := s.ShardOf(id(item))
		batches[n] = append(batches[n], item)
	}
	return batches
}

// --------------------------------------------------------------------

// mergeIterator yields the union of sorted iterators in ascending order.
type mergeIterator struct {
	iters   []Iterator
	heap    iterHeap
	started bool
	err     error
}

func newMergeIterator(iters []Iterator) *mergeIterator {
	return &mergeIterator{iters: iters, heap: make(iterHeap, 0, len(iters))}
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}

	if !m.started {
		m.started = true
		for _, it := range m.iters {
			if it.Next() {
				m.heap = append(m.heap, it)
			} else if err := it.Err(); err != nil {
				m.err = err
				return false
			}
		}
		heap.Init(&m.heap)
		return len(m.heap) != 0
	}

	if len(m.heap) == 0 {
		return false
	}
	if top := m.heap[0]; top.Next() {
		heap.Fix(&m.heap, 0)
	} else if err := top.Err(); err != nil {
		m.err = err
		return false
	} else {
		heap.Pop(&m.heap)
	}
	return len(m.heap) != 0
}

func (m *mergeIterator) ID() WayID            { return m.heap[0].ID() }
func (m *mergeIterator) Coords() []Coordinate { return m.heap[0].Coords() }

func (m *mergeIterator) Err() error {
	if m.err == errReleased {
		return nil
	}
	return m.err
}

func (m *mergeIterator) Release() {
	for _, it := range m.iters {
		it.Release()
	}
	m.err = errReleased
}

type iterHeap []Iterator

func (h iterHeap) Len() int           { return len(h) }
func (h iterHeap) Less(i, j int) bool { return h[i].ID() < h[j].ID() }
func (h iterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *iterHeap) Push(x interface{}) { *h = append(*h, x.(Iterator)) }
func (h *iterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
