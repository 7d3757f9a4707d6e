package waytable

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/pkg/errors"
)

// resolveBatchSize is the number of resolved ways inserted at once.
const resolveBatchSize = 1024

// Pending records start with one of these kinds.
const (
	pendingNodes byte = iota
	pendingCoords
)

// PointStore resolves node references to coordinates.
type PointStore interface {
	// Point returns the coordinate of a node or ErrNotFound.
	Point(id NodeID) (Coordinate, error)
}

// ResolvingStore accepts ways as node references and resolves them against a
// PointStore when a shard is finalized. Pending ways are kept in mapped
// storage, one region pair per shard of the inner store, and each shard is
// resolved exactly once, in insertion order. Ways inserted with coordinates
// are queued in the same order, so the first insert of an ID wins whichever
// form it took.
//
// Ways referencing unknown nodes are handled according to Options.Missing.
// Any other point store error fails the shard.
type ResolvingStore struct {
	inner  Store
	points PointStore
	opt    *Options
	shards []*resolvingShard

	scratchMu sync.Mutex
	scratch   []*resolveScratch // per worker
}

var _ Store = (*ResolvingStore)(nil)

// NewResolvingStore wraps inner.
func NewResolvingStore(inner Store, points PointStore, o *Options) *ResolvingStore {
	o = o.norm()
	s := &ResolvingStore{
		inner:   inner,
		points:  points,
		opt:     o,
		scratch: make([]*resolveScratch, o.Workers),
	}
	for i := 0; i < inner.Shards(); i++ {
		name := fmt.Sprintf("pending-%03d", i)
		s.shards = append(s.shards, &resolvingShard{
			parent:  s,
			name:    name,
			target:  inner.Shard(i),
			log:     o.Logger.With("store", name),
			missing: roaring64.New(),
		})
	}
	return s
}

// MissingNodes returns the IDs of all nodes which could not be resolved so far.
func (s *ResolvingStore) MissingNodes() *roaring64.Bitmap {
	res := roaring64.New()
	for _, shard := range s.shards {
		shard.mu.Lock()
		res.Or(shard.missing)
		shard.mu.Unlock()
	}
	return res
}

// Reopen implements Store.
func (s *ResolvingStore) Reopen() error {
	return s.each(func(shard Store) error { return shard.Reopen() })
}

// BatchStart implements Store.
func (s *ResolvingStore) BatchStart() { s.inner.BatchStart() }

// At implements Store.
func (s *ResolvingStore) At(id WayID) ([]Coordinate, error) { return s.inner.At(id) }

// RequiresNodes implements Store.
func (s *ResolvingStore) RequiresNodes() bool { return true }

// InsertLatpLons implements Store. Resolved ways are queued behind earlier
// pending ways of their shard.
func (s *ResolvingStore) InsertLatpLons(ways []Way) error {
	return routePending(s, ways, func(w Way) WayID { return w.ID }, (*resolvingShard).InsertLatpLons)
}

// InsertNodes implements Store.
func (s *ResolvingStore) InsertNodes(ways []PendingWay) error {
	return routePending(s, ways, func(w PendingWay) WayID { return w.ID }, (*resolvingShard).InsertNodes)
}

func routePending[T any](s *ResolvingStore, ways []T, id func(T) WayID, insert func(*resolvingShard, []T) error) error {
	if len(s.shards) == 1 {
		return insert(s.shards[0], ways)
	}

	batches := make([][]T, len(s.shards))
	for _, w := range ways {
		n := s.inner.ShardOf(id(w))
		batches[n] = append(batches[n], w)
	}
	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if err := insert(s.shards[i], batch); err != nil {
			return errors.Wrapf(err, "shard %d", i)
		}
	}
	return nil
}

// Clear implements Store.
func (s *ResolvingStore) Clear() error {
	return s.each(func(shard Store) error { return shard.Clear() })
}

// Size implements Store. It counts resolved and pending ways.
func (s *ResolvingStore) Size() int {
	var n int
	for _, shard := range s.shards {
		n += shard.Size()
	}
	return n
}

// Finalize implements Store. It resolves and finalizes every shard in turn.
func (s *ResolvingStore) Finalize(worker int) error {
	return s.each(func(shard Store) error { return shard.Finalize(worker) })
}

// Contains implements Store.
func (s *ResolvingStore) Contains(shard int, id WayID) bool {
	if shard < 0 || shard >= len(s.shards) {
		return false
	}
	return s.shards[shard].Contains(0, id)
}

// Shard implements Store.
func (s *ResolvingStore) Shard(n int) Store { return s.shards[n] }

// Shards implements Store.
func (s *ResolvingStore) Shards() int { return len(s.shards) }

// ShardOf implements Store.
func (s *ResolvingStore) ShardOf(id WayID) int { return s.inner.ShardOf(id) }

// NewIterator implements Store.
func (s *ResolvingStore) NewIterator() Iterator { return s.inner.NewIterator() }

// Close closes pending storage and the inner store.
func (s *ResolvingStore) Close() error {
	return s.each(func(shard Store) error { return shard.Close() })
}

func (s *ResolvingStore) each(fn func(Store) error) error {
	var first error
	for i, shard := range s.shards {
		if err := fn(shard); err != nil && first == nil {
			first = errors.Wrapf(err, "shard %d", i)
		}
	}
	return first
}

func (s *ResolvingStore) stats(st *Stats) {
	for _, shard := range s.shards {
		shard.stats(st)
	}
}

// worker returns the scratch space of a worker. Concurrent callers must use
// distinct worker indexes.
func (s *ResolvingStore) worker(n int) *resolveScratch {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()

	if n < 0 {
		n = 0
	}
	for n >= len(s.scratch) {
		s.scratch = append(s.scratch, nil)
	}
	if s.scratch[n] == nil {
		s.scratch[n] = &resolveScratch{ways: make([]Way, 0, resolveBatchSize)}
	}
	return s.scratch[n]
}

type resolveScratch struct {
	nodes  []NodeID
	coords []Coordinate
	ways   []Way
}

// --------------------------------------------------------------------

// resolvingShard holds the pending ways of one shard of the inner store.
type resolvingShard struct {
	parent *ResolvingStore
	name   string
	target Store
	log    *slog.Logger

	mu       sync.Mutex
	pending  *storage // nil until first use
	npending atomic.Int64
	resolved bool
	closed   bool
	err      error // resolution failure

	missing      *roaring64.Bitmap
	dropped      int
	placeholders int
}

func (r *resolvingShard) Reopen() error {
	if err := r.target.Reopen(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
	return nil
}

func (r *resolvingShard) BatchStart()                       { r.target.BatchStart() }
func (r *resolvingShard) At(id WayID) ([]Coordinate, error) { return r.target.At(id) }
func (r *resolvingShard) RequiresNodes() bool               { return true }
func (r *resolvingShard) Size() int                         { return r.target.Size() + int(r.npending.Load()) }
func (r *resolvingShard) Shard(_ int) Store                 { return r }
func (r *resolvingShard) Shards() int                       { return 1 }
func (r *resolvingShard) ShardOf(_ WayID) int               { return 0 }
func (r *resolvingShard) NewIterator() Iterator             { return r.target.NewIterator() }

func (r *resolvingShard) Contains(shard int, id WayID) bool {
	if shard != 0 {
		return false
	}
	return r.target.Contains(r.target.ShardOf(id), id)
}

func (r *resolvingShard) InsertLatpLons(ways []Way) error {
	if len(ways) == 0 {
		return nil
	}

	enc := newEncoder(r.parent.opt.Compression)
	buf := fetchBuffer(0)
	ends := make([]int, len(ways))
	for i, w := range ways {
		buf = enc.AppendCoords(append(buf, pendingCoords), w.Coords)
		ends[i] = len(buf)
	}
	defer releaseBuffer(buf)

	return r.appendPending(buf, ends, func(i int) WayID { return ways[i].ID })
}

func (r *resolvingShard) InsertNodes(ways []PendingWay) error {
	if len(ways) == 0 {
		return nil
	}

	enc := newEncoder(r.parent.opt.Compression)
	buf := fetchBuffer(0)
	ends := make([]int, len(ways))
	for i, w := range ways {
		buf = enc.AppendNodes(append(buf, pendingNodes), w.Nodes)
		ends[i] = len(buf)
	}
	defer releaseBuffer(buf)

	return r.appendPending(buf, ends, func(i int) WayID { return ways[i].ID })
}

// appendPending appends encoded records; record i ends at ends[i].
func (r *resolvingShard) appendPending(buf []byte, ends []int, id func(int) WayID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return ErrReadOnly
	}
	if err := r.ensure(); err != nil {
		return err
	}

	start := 0
	for i, end := range ends {
		if err := r.pending.Append(uint64(id(i)), buf[start:end]); err != nil {
			return err
		}
		r.npending.Add(1)
		start = end
	}
	return nil
}

func (r *resolvingShard) Clear() error {
	r.mu.Lock()
	if r.pending != nil {
		r.pending.Reset()
	}
	r.npending.Store(0)
	r.resolved = false
	r.err = nil
	r.missing.Clear()
	r.dropped, r.placeholders = 0, 0
	r.mu.Unlock()

	return r.target.Clear()
}

// Finalize resolves pending ways into the target shard, then finalizes it.
func (r *resolvingShard) Finalize(worker int) error {
	if err := r.resolve(worker); err != nil {
		return err
	}
	return r.target.Finalize(worker)
}

func (r *resolvingShard) Close() error {
	r.mu.Lock()
	r.closed = true
	var err error
	if r.pending != nil {
		err = r.pending.close()
		r.pending = nil
	}
	r.mu.Unlock()

	if e := r.target.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func (r *resolvingShard) ensure() error {
	if r.closed {
		return errClosed
	}
	if r.pending != nil {
		return nil
	}

	st, err := newStorage(r.parent.opt.Allocator, r.name, r.parent.opt.RegionSize)
	if err != nil {
		return err
	}
	r.pending = st
	return nil
}

func (r *resolvingShard) resolve(worker int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	if r.resolved {
		return nil
	}
	if r.pending == nil || r.pending.Len() == 0 {
		r.resolved = true
		return nil
	}
	if err := r.pending.err; err != nil {
		r.err = errors.Wrapf(err, "resolve %s", r.name)
		return r.err
	}

	start := time.Now()
	if err := r.resolvePending(r.parent.worker(worker)); err != nil {
		r.err = errors.Wrapf(err, "resolve %s", r.name)
		r.log.Error("resolution failed", "worker", worker, "error", err)
		return r.err
	}

	total := r.pending.Len()
	r.pending.Reset()
	r.npending.Store(0)
	r.resolved = true

	r.log.Debug("resolved", "worker", worker, "ways", total, "dropped", r.dropped,
		"placeholders", r.placeholders, "elapsed", time.Since(start))
	return nil
}

func (r *resolvingShard) resolvePending(sc *resolveScratch) error {
	points, policy := r.parent.points, r.parent.opt.Missing
	sc.ways, sc.coords = sc.ways[:0], sc.coords[:0]

	flush := func() error {
		if len(sc.ways) == 0 {
			return nil
		}
		if err := r.target.InsertLatpLons(sc.ways); err != nil {
			return err
		}
		r.npending.Add(-int64(len(sc.ways)))
		sc.ways, sc.coords = sc.ways[:0], sc.coords[:0]
		return nil
	}

	for i := 0; i < r.pending.Len(); i++ {
		id := WayID(r.pending.Key(i))
		rec := r.pending.Payload(i)
		if len(rec) == 0 {
			return errors.Wrapf(errBadPayload, "decode way %d", id)
		}

		offset := len(sc.coords)
		switch rec[0] {
		case pendingCoords:
			var err error
			if sc.coords, err = decodeCoords(sc.coords, rec[1:]); err != nil {
				return errors.Wrapf(err, "decode way %d", id)
			}
		case pendingNodes:
			var err error
			if sc.nodes, err = decodeNodes(sc.nodes[:0], rec[1:]); err != nil {
				return errors.Wrapf(err, "decode way %d", id)
			}

			var missing error
			for _, node := range sc.nodes {
				c, err := points.Point(node)
				if errors.Is(err, ErrNotFound) {
					r.missing.Add(uint64(node))
					if missing == nil {
						missing = errors.Wrapf(ErrResolution, "node %d", node)
					}
					if policy == DropWay {
						break
					}
					c = Placeholder
					r.placeholders++
				} else if err != nil {
					return errors.Wrapf(err, "resolve way %d node %d", id, node)
				}
				sc.coords = append(sc.coords, c)
			}

			if missing != nil && policy == DropWay {
				sc.coords = sc.coords[:offset]
				r.npending.Add(-1)
				r.dropped++
				r.log.Debug("dropped way", "way", id, "error", missing)
				continue
			}
		default:
			return errors.Wrapf(errBadPayload, "decode way %d: unknown record kind %d", id, rec[0])
		}

		sc.ways = append(sc.ways, Way{ID: id, Coords: sc.coords[offset:len(sc.coords):len(sc.coords)]})
		if len(sc.ways) == resolveBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (r *resolvingShard) stats(st *Stats) {
	r.mu.Lock()
	st.Pending += int(r.npending.Load())
	st.Dropped += r.dropped
	st.Placeholders += r.placeholders
	st.MissingNodes += r.missing.GetCardinality()
	r.mu.Unlock()

	collectStats(r.target, st)
}
