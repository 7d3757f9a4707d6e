//go:build unix

// Package mmap provides growable, writable memory mappings backed either by a
// file or by anonymous memory.
//
// A Mapping owns its byte slice. Resize may move the mapping, so callers must
// re-fetch Bytes after every Resize and must not keep slices across it.
// Mappings are not safe for concurrent Resize; reads and writes of disjoint
// extents from multiple goroutines are fine.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned when attempting to use a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for negative sizes or files too large to map.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects data to be accessed in the near future.
	AccessWillNeed
	// AccessDontNeed expects data to not be accessed in the near future.
	AccessDontNeed
)

// Mapping is a read-write memory mapping.
type Mapping struct {
	data   []byte
	file   *os.File // nil for anonymous mappings
	closed atomic.Bool
}

// Create creates (or truncates) the file at path, sizes it and maps it shared.
func Create(path string, size int) (*Mapping, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, err
	}

	m := &Mapping{file: f}
	if err := m.mapFile(size); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// Open maps an existing file read-write, using its current size.
func Open(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := fi.Size()
	if size < 0 || int64(int(size)) != size {
		_ = f.Close()
		return nil, ErrInvalidSize
	}

	m := &Mapping{file: f}
	if err := m.mapFile(int(size)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// MapAnon creates a private anonymous mapping of size bytes.
func MapAnon(size int) (*Mapping, error) {
	data, err := mapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped bytes. The slice is only valid until the next
// Resize or Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int { return len(m.data) }

// Path returns the backing file path or "" for anonymous mappings.
func (m *Mapping) Path() string {
	if m.file == nil {
		return ""
	}
	return m.file.Name()
}

// Resize changes the size of the mapping. File mappings are truncated to the
// new size and remapped; anonymous mappings are copied into a fresh region.
func (m *Mapping) Resize(size int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if size < 0 {
		return ErrInvalidSize
	}
	if size == len(m.data) {
		return nil
	}

	if m.file == nil {
		data, err := mapAnon(size)
		if err != nil {
			return err
		}
		copy(data, m.data)
		if err := unmap(m.data); err != nil {
			_ = unmap(data)
			return err
		}
		m.data = data
		return nil
	}

	if err := unmap(m.data); err != nil {
		return err
	}
	m.data = nil
	if err := m.file.Truncate(int64(size)); err != nil {
		return err
	}
	return m.mapFile(size)
}

// Sync flushes dirty pages of a file mapping to disk.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.file == nil || len(m.data) == 0 {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(m.data) == 0 {
		return nil
	}

	var advice int
	switch pattern {
	case AccessSequential:
		advice = unix.MADV_SEQUENTIAL
	case AccessRandom:
		advice = unix.MADV_RANDOM
	case AccessWillNeed:
		advice = unix.MADV_WILLNEED
	case AccessDontNeed:
		advice = unix.MADV_DONTNEED
	default:
		advice = unix.MADV_NORMAL
	}

	// advisory only, alignment issues are not worth failing for
	if err := unix.Madvise(m.data, advice); err != nil && err != unix.EINVAL {
		return err
	}
	return nil
}

// Close unmaps the memory and closes the backing file. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	err := unmap(m.data)
	m.data = nil
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Mapping) mapFile(size int) error {
	if size == 0 {
		m.data = nil
		return nil
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func mapAnon(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
