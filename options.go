package waytable

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
)

// Options configure stores created by New and the store constructors.
type Options struct {
	// Shards is the number of partitions of the keyspace.
	// Default: env WAYTABLE_SHARDS or GOMAXPROCS.
	Shards int

	// Workers is the expected number of concurrent finalize workers; it
	// sizes per-worker scratch space.
	// Default: env WAYTABLE_WORKERS or GOMAXPROCS.
	Workers int

	// Dir is the directory of backing files. When empty, anonymous
	// mappings are used and stores cannot be reopened.
	// Default: env WAYTABLE_DIR.
	Dir string

	// Capacity caps the total number of mapped bytes; 0 means unlimited.
	// Ignored when Allocator is set.
	// Default: env WAYTABLE_CAPACITY.
	Capacity int64

	// Allocator provides mapped regions. Default: a file allocator for Dir
	// or an anonymous allocator.
	Allocator Allocator

	// RegionSize is the initial size in bytes of each mapped region.
	// Default: 1MiB.
	RegionSize int

	// The compression codec applied to larger payloads.
	// Default: SnappyCompression.
	Compression Compression

	// Partitioner selects the shard of a way.
	// Default: ModuloPartition.
	Partitioner Partitioner

	// Points resolves node references. When set, New wraps the store in
	// a ResolvingStore.
	Points PointStore

	// Missing is the policy for ways which reference unknown nodes.
	// Default: DropWay.
	Missing MissingPolicy

	// Logger receives diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Shards < 1 {
		oo.Shards = envInt("WAYTABLE_SHARDS")
	}
	if oo.Shards < 1 {
		oo.Shards = runtime.GOMAXPROCS(0)
	}
	if oo.Workers < 1 {
		oo.Workers = envInt("WAYTABLE_WORKERS")
	}
	if oo.Workers < 1 {
		oo.Workers = runtime.GOMAXPROCS(0)
	}
	if oo.Dir == "" {
		oo.Dir = os.Getenv("WAYTABLE_DIR")
	}
	if oo.Capacity < 1 {
		oo.Capacity = int64(envInt("WAYTABLE_CAPACITY"))
	}
	if oo.Allocator == nil {
		if oo.Dir != "" {
			oo.Allocator = NewFileAllocator(oo.Dir, oo.Capacity)
		} else {
			oo.Allocator = NewAnonAllocator(oo.Capacity)
		}
	}
	if oo.RegionSize < 1 {
		oo.RegionSize = 1 << 20
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.Partitioner == nil {
		oo.Partitioner = ModuloPartition
	}
	if oo.Missing != KeepPlaceholder {
		oo.Missing = DropWay
	}
	if oo.Logger == nil {
		oo.Logger = slog.Default()
	}

	return &oo
}

func envInt(key string) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return 0
}
