package waytable

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	stateWriting int32 = iota
	stateFinalized
	stateFailed
)

// BinarySearchStore is a single-partition store. Inserts are appended to
// mapped storage in arrival order; Finalize sorts the entries by way ID in
// place, after which lookups binary search the sorted index.
//
// If a way is inserted more than once, the entry appended first wins.
type BinarySearchStore struct {
	name string
	opt  *Options
	log  *slog.Logger

	mu     sync.Mutex // guards st and appends
	st     *storage   // nil until first use
	closed bool
	size   atomic.Int64
	state  atomic.Int32
	err    error // finalize failure

	duplicates int
}

var _ Store = (*BinarySearchStore)(nil)

// NewBinarySearchStore creates an empty store. The name identifies the
// backing regions; they are allocated on first use, so a store can be
// reopened without truncating persisted data.
func NewBinarySearchStore(name string, o *Options) *BinarySearchStore {
	o = o.norm()
	return &BinarySearchStore{
		name: name,
		opt:  o,
		log:  o.Logger.With("store", name),
	}
}

// Reopen implements Store.
func (s *BinarySearchStore) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if s.state.Load() == stateFinalized {
		return nil
	}

	st, err := openStorage(s.opt.Allocator, s.name)
	if err != nil {
		return err
	}
	if s.st != nil {
		_ = s.st.close()
	}

	s.st = st
	s.err = nil
	s.duplicates = st.Duplicates()
	s.size.Store(int64(st.Len()))
	s.state.Store(stateFinalized)
	return nil
}

// BatchStart implements Store.
func (s *BinarySearchStore) BatchStart() {}

// RequiresNodes implements Store.
func (s *BinarySearchStore) RequiresNodes() bool { return false }

// At implements Store.
func (s *BinarySearchStore) At(id WayID) ([]Coordinate, error) {
	return s.Append(nil, id)
}

// Append appends the coordinates of a way to dst. It may return
// ErrNotFound.
func (s *BinarySearchStore) Append(dst []Coordinate, id WayID) ([]Coordinate, error) {
	if s.state.Load() != stateFinalized {
		return dst, ErrNotFinalized
	}

	pos, ok := s.st.Search(uint64(id))
	if !ok {
		return dst, ErrNotFound
	}
	return decodeCoords(dst, s.st.Payload(pos))
}

// InsertLatpLons implements Store.
func (s *BinarySearchStore) InsertLatpLons(ways []Way) error {
	if len(ways) == 0 {
		return nil
	}

	// encode outside the lock
	enc := newEncoder(s.opt.Compression)
	buf := fetchBuffer(0)
	ends := make([]int, len(ways))
	for i, w := range ways {
		buf = enc.AppendCoords(buf, w.Coords)
		ends[i] = len(buf)
	}
	defer releaseBuffer(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Load() != stateWriting {
		return ErrReadOnly
	}
	if err := s.ensure(); err != nil {
		return err
	}

	start := 0
	for i, w := range ways {
		if err := s.st.Append(uint64(w.ID), buf[start:ends[i]]); err != nil {
			return err
		}
		s.size.Add(1)
		start = ends[i]
	}
	return nil
}

// InsertNodes implements Store. It always fails with ErrNodesUnsupported.
func (s *BinarySearchStore) InsertNodes(_ []PendingWay) error {
	return ErrNodesUnsupported
}

// Clear implements Store.
func (s *BinarySearchStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if s.st != nil {
		s.st.Reset()
	}
	s.err = nil
	s.duplicates = 0
	s.size.Store(0)
	s.state.Store(stateWriting)
	return nil
}

// Size implements Store.
func (s *BinarySearchStore) Size() int { return int(s.size.Load()) }

// Finalize implements Store. It sorts the entries and persists the index.
// Calling it again after success is a no-op; after a failure it returns
// the original error until Clear is called.
func (s *BinarySearchStore) Finalize(worker int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Load() {
	case stateFinalized:
		return nil
	case stateFailed:
		return s.err
	}

	if err := s.ensure(); err != nil {
		return s.fail(worker, err)
	}
	if err := s.st.err; err != nil {
		return s.fail(worker, err)
	}

	start := time.Now()
	s.st.Sort()
	s.duplicates = s.st.Duplicates()
	if err := s.st.Persist(true); err != nil {
		return s.fail(worker, err)
	}
	s.state.Store(stateFinalized)

	if s.duplicates != 0 {
		s.log.Warn("duplicate ways", "worker", worker, "duplicates", s.duplicates)
	}
	s.log.Debug("finalized", "worker", worker, "entries", s.st.Len(), "elapsed", time.Since(start))
	return nil
}

func (s *BinarySearchStore) fail(worker int, err error) error {
	s.err = errors.Wrapf(err, "finalize %s", s.name)
	s.state.Store(stateFailed)
	s.log.Error("finalize failed", "worker", worker, "error", err)
	return s.err
}

// Contains implements Store. The shard must be 0.
func (s *BinarySearchStore) Contains(shard int, id WayID) bool {
	if shard != 0 || s.state.Load() != stateFinalized {
		return false
	}
	_, ok := s.st.Search(uint64(id))
	return ok
}

// Shard implements Store.
func (s *BinarySearchStore) Shard(_ int) Store { return s }

// Shards implements Store.
func (s *BinarySearchStore) Shards() int { return 1 }

// ShardOf implements Store.
func (s *BinarySearchStore) ShardOf(_ WayID) int { return 0 }

// NewIterator implements Store. Entries are visited in storage order, which
// is ascending by ID once finalized. Duplicate IDs are visited once.
func (s *BinarySearchStore) NewIterator() Iterator {
	if s.state.Load() != stateFinalized {
		return &storeIterator{err: ErrNotFinalized}
	}
	return &storeIterator{st: s.st, pos: -1}
}

// Close releases the mapped regions.
func (s *BinarySearchStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	s.closed = true
	s.state.Store(stateFailed)
	s.err = errClosed

	if s.st == nil {
		return nil
	}
	err := s.st.close()
	s.st = nil
	return err
}

func (s *BinarySearchStore) ensure() error {
	if s.closed {
		return errClosed
	}
	if s.st != nil {
		return nil
	}

	st, err := newStorage(s.opt.Allocator, s.name, s.opt.RegionSize)
	if err != nil {
		return err
	}
	s.st = st
	return nil
}

func (s *BinarySearchStore) stats(st *Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Shards++
	st.Entries += s.Size()
	st.Duplicates += s.duplicates
	if s.state.Load() == stateFinalized {
		st.Finalized++
	}
	if s.st != nil {
		index, data := s.st.Size()
		st.IndexBytes += int64(index)
		st.DataBytes += int64(data)
	}
}

// --------------------------------------------------------------------

type storeIterator struct {
	st  *storage
	pos int

	coords []Coordinate
	err    error
}

func (i *storeIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if i.st.closed {
		i.err = errClosed
		return false
	}

	for {
		i.pos++
		if i.pos >= i.st.Len() {
			return false
		}
		if i.pos == 0 || i.st.Key(i.pos) != i.st.Key(i.pos-1) {
			break
		}
	}

	i.coords, i.err = decodeCoords(i.coords[:0], i.st.Payload(i.pos))
	return i.err == nil
}

func (i *storeIterator) ID() WayID            { return WayID(i.st.Key(i.pos)) }
func (i *storeIterator) Coords() []Coordinate { return i.coords }
func (i *storeIterator) Err() error {
	if i.err == errReleased {
		return nil
	}
	return i.err
}
func (i *storeIterator) Release() { i.err = errReleased }
