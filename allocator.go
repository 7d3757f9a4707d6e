package waytable

import (
	"os"
	"path/filepath"

	"github.com/bsm/waytable/internal/mmap"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Region is a named, growable, memory-mapped extent.
type Region interface {
	// Reserve grows the region to at least size bytes. Bytes must be
	// re-fetched after a successful Reserve.
	Reserve(size int) error
	// Bytes returns the mapped extent.
	Bytes() []byte
	// Path returns the persist path, or "" for anonymous regions.
	Path() string
	// Sync flushes the region to its backing file, if any.
	Sync() error
	// Close unmaps the region.
	Close() error
}

// Allocator provides regions for mapped entry storage.
type Allocator interface {
	// Allocate creates a new, empty region of at least size bytes. Any
	// previously persisted region with the same name is discarded.
	Allocate(name string, size int) (Region, error)
	// Open re-attaches to a previously persisted region.
	Open(name string) (Region, error)
}

// NewFileAllocator returns an allocator which maps files in dir. Regions can be
// reopened by name. A positive limit caps the total number of mapped bytes.
func NewFileAllocator(dir string, limit int64) Allocator {
	return &fileAllocator{dir: dir, budget: newBudget(limit)}
}

// NewAnonAllocator returns an allocator of anonymous mappings. Such regions
// cannot be reopened. A positive limit caps the total number of mapped bytes.
func NewAnonAllocator(limit int64) Allocator {
	return &anonAllocator{budget: newBudget(limit)}
}

type fileAllocator struct {
	dir    string
	budget *budget
}

func (a *fileAllocator) Allocate(name string, size int) (Region, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, errors.Wrapf(ErrStorage, "create %s: %v", a.dir, err)
	}
	size = roundPage(size)
	if err := a.budget.acquire(size); err != nil {
		return nil, err
	}

	m, err := mmap.Create(filepath.Join(a.dir, name), size)
	if err != nil {
		a.budget.release(size)
		return nil, errors.Wrapf(ErrCapacity, "map %s (%d bytes): %v", name, size, err)
	}
	return &region{m: m, budget: a.budget}, nil
}

func (a *fileAllocator) Open(name string) (Region, error) {
	m, err := mmap.Open(filepath.Join(a.dir, name))
	if err != nil {
		return nil, errors.Wrapf(ErrStorage, "open %s: %v", name, err)
	}
	if err := a.budget.acquire(m.Size()); err != nil {
		_ = m.Close()
		return nil, err
	}
	return &region{m: m, budget: a.budget}, nil
}

type anonAllocator struct {
	budget *budget
}

func (a *anonAllocator) Allocate(name string, size int) (Region, error) {
	size = roundPage(size)
	if err := a.budget.acquire(size); err != nil {
		return nil, err
	}

	m, err := mmap.MapAnon(size)
	if err != nil {
		a.budget.release(size)
		return nil, errors.Wrapf(ErrCapacity, "map %s (%d bytes): %v", name, size, err)
	}
	return &region{m: m, budget: a.budget}, nil
}

func (a *anonAllocator) Open(name string) (Region, error) {
	return nil, errors.Wrapf(ErrStorage, "open %s: anonymous regions are not persisted", name)
}

// --------------------------------------------------------------------

type region struct {
	m      *mmap.Mapping
	budget *budget
}

func (r *region) Bytes() []byte { return r.m.Bytes() }
func (r *region) Path() string  { return r.m.Path() }
func (r *region) Sync() error   { return r.m.Sync() }

func (r *region) Reserve(size int) error {
	cur := r.m.Size()
	if size <= cur {
		return nil
	}

	next := 2 * cur
	if next < size {
		next = size
	}
	next = roundPage(next)

	if err := r.budget.acquire(next - cur); err != nil {
		// retry with the exact amount before giving up
		next = roundPage(size)
		if err := r.budget.acquire(next - cur); err != nil {
			return err
		}
	}
	if err := r.m.Resize(next); err != nil {
		r.budget.release(next - cur)
		return errors.Wrapf(ErrCapacity, "grow to %d bytes: %v", next, err)
	}
	return nil
}

func (r *region) Advise(pattern mmap.AccessPattern) error {
	return r.m.Advise(pattern)
}

func (r *region) Close() error {
	size := r.m.Size()
	if err := r.m.Close(); err != nil {
		return err
	}
	r.budget.release(size)
	return nil
}

// --------------------------------------------------------------------

// budget caps the total size of all regions of an allocator.
type budget struct {
	limit int64
	sem   *semaphore.Weighted // nil if unlimited
}

func newBudget(limit int64) *budget {
	b := &budget{limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

func (b *budget) acquire(n int) error {
	if b.sem == nil || n <= 0 {
		return nil
	}
	if !b.sem.TryAcquire(int64(n)) {
		return errors.Wrapf(ErrCapacity, "cannot reserve %d bytes (limit %d)", n, b.limit)
	}
	return nil
}

func (b *budget) release(n int) {
	if b.sem == nil || n <= 0 {
		return
	}
	b.sem.Release(int64(n))
}

var pageSize = os.Getpagesize()

func roundPage(n int) int {
	if n < pageSize {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}
