package waytable

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// Store maps way IDs to coordinate sequences.
//
// A store is written first and read afterwards. Inserts may be issued
// concurrently; Finalize must be called once per shard after all inserts
// have returned, and lookups are only valid once every shard is finalized.
// Clear and Finalize must not overlap with inserts on the same shard.
type Store interface {
	io.Closer

	// Reopen re-attaches to previously persisted, finalized storage.
	// It fails with ErrStorage when the backing regions are missing or
	// corrupt and is a no-op on an already finalized store.
	Reopen() error
	// BatchStart marks the beginning of an insertion burst.
	BatchStart()
	// At returns the coordinates of a way, or ErrNotFound.
	At(id WayID) ([]Coordinate, error)
	// RequiresNodes reports whether the store expects InsertNodes rather
	// than InsertLatpLons.
	RequiresNodes() bool
	// InsertLatpLons appends resolved ways.
	InsertLatpLons(ways []Way) error
	// InsertNodes appends ways whose points are node references.
	InsertNodes(ways []PendingWay) error
	// Clear discards all entries and returns to the write phase.
	Clear() error
	// Size returns the number of entries across all shards.
	Size() int
	// Finalize transitions the store from the write phase to the read
	// phase. The worker index identifies the calling worker.
	Finalize(worker int) error
	// Contains reports whether the way exists in the given shard.
	Contains(shard int, id WayID) bool
	// Shard returns the n-th shard.
	Shard(n int) Store
	// Shards returns the number of shards.
	Shards() int
	// ShardOf returns the shard responsible for a way.
	ShardOf(id WayID) int
	// NewIterator iterates over a finalized store in ascending key order.
	NewIterator() Iterator
}

// Iterator iterates over ways in ascending ID order.
type Iterator interface {
	// Next advances the cursor to the next entry and returns true if successful.
	Next() bool
	// ID returns the way ID of the current entry.
	ID() WayID
	// Coords returns the coordinates of the current entry. The slice is
	// only valid until the next call to Next.
	Coords() []Coordinate
	// Err exposes iterator errors, if any.
	Err() error
	// Release releases the iterator.
	Release()
}

// New creates a store. With a single shard the result is a
// BinarySearchStore, otherwise a ShardedStore of BinarySearchStores. If
// o.Points is set, the store is wrapped in a ResolvingStore.
func New(o *Options) (Store, error) {
	o = o.norm()

	var store Store
	if o.Shards == 1 {
		store = NewBinarySearchStore("shard-000", o)
	} else {
		s, err := NewShardedStore(o.Shards, o, func(n int) (Store, error) {
			return NewBinarySearchStore(fmt.Sprintf("shard-%03d", n), o), nil
		})
		if err != nil {
			return nil, err
		}
		store = s
	}

	if o.Points == nil {
		return store, nil
	}
	return NewResolvingStore(store, o.Points, o), nil
}

// FinalizeAll finalizes every shard of s using up to workers concurrent
// goroutines. Each goroutine passes its own worker index to Finalize. The
// first error cancels the remaining work and is returned.
func FinalizeAll(ctx context.Context, s Store, workers int) error {
	n := s.Shards()
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case queue <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := range queue {
				if err := s.Shard(i).Finalize(w); err != nil {
					return errors.Wrapf(err, "shard %d", i)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// --------------------------------------------------------------------

// Partitioner maps a way ID to a shard in [0, n). It must be a pure function.
type Partitioner func(id WayID, n int) int

// ModuloPartition assigns ways by ID modulo the number of shards.
func ModuloPartition(id WayID, n int) int {
	return int(uint64(id) % uint64(n))
}

// HashPartition returns a partitioner which hashes IDs with murmur3. Use
// distinct seeds for nested sharded stores.
func HashPartition(seed uint32) Partitioner {
	return func(id WayID, n int) int {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(id))
		return int(murmur3.Sum32WithSeed(b[:], seed) % uint32(n))
	}
}
