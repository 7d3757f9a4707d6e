package waytable

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"hash/crc32"
	"slices"
	"sort"
	"unsafe"

	"github.com/bsm/waytable/internal/mmap"
	"github.com/pkg/errors"
)

const (
	headerSize     = 64
	slotSize       = int(unsafe.Sizeof(slot{}))
	storageVersion = 1
	byteOrderProbe = uint64(0x0102030405060708)

	flagFinalized = 1 << 0
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// slot locates a single entry in the data region. Slots are stored in native
// byte order so that finalize can sort them in place.
type slot struct {
	Key uint64 // way ID
	Off uint64 // offset of the record in the data region
}

// storage is an append-only sequence of (key, payload) entries held in two
// mapped regions. It is not safe for concurrent use; callers serialise
// appends. The index region starts with a header:
//
//	+-------------+----------------+--------------+--------------+
//	| magic (8)   | version (4)    | flags (4)    | count (8)    |
//	+-------------+----------------+--------------+--------------+
//	| datalen (8) | slot crc32c (4)| reserved (4) | byte order (8)
//	+-------------+----------------+--------------+--------------+
//
// followed by count 16-byte slots. The data region holds one
// length-prefixed (varint) payload per entry, in append order.
type storage struct {
	name  string
	index Region
	data  Region

	count  int   // number of entries
	dlen   int   // used bytes in data
	err    error // sticky growth failure
	closed bool
}

func newStorage(a Allocator, name string, size int) (*storage, error) {
	index, err := a.Allocate(name+".idx", size)
	if err != nil {
		return nil, err
	}
	data, err := a.Allocate(name+".dat", size)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	s := &storage{name: name, index: index, data: data}
	if err := s.index.Reserve(headerSize); err != nil {
		_ = s.close()
		return nil, err
	}
	s.writeHeader(0)
	return s, nil
}

func openStorage(a Allocator, name string) (*storage, error) {
	index, err := a.Open(name + ".idx")
	if err != nil {
		return nil, err
	}
	data, err := a.Open(name + ".dat")
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	s := &storage{name: name, index: index, data: data}
	if err := s.readHeader(); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

// Len returns the number of entries.
func (s *storage) Len() int { return s.count }

// Append appends an entry. Once a region fails to grow, every subsequent
// call returns the same error.
func (s *storage) Append(key uint64, payload []byte) error {
	if s.err != nil {
		return s.err
	}

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(payload)))
	if err := s.reserve(s.count+1, s.dlen+n+len(payload)); err != nil {
		s.err = err
		return err
	}

	off := s.dlen
	data := s.data.Bytes()
	copy(data[off:], tmp[:n])
	copy(data[off+n:], payload)
	s.dlen += n + len(payload)

	s.count++
	s.slots()[s.count-1] = slot{Key: key, Off: uint64(off)}
	return nil
}

// Key returns the key of the i-th entry.
func (s *storage) Key(i int) uint64 { return s.slots()[i].Key }

// Payload returns the payload of the i-th entry. The slice points into the
// mapping and must not be retained across appends.
func (s *storage) Payload(i int) []byte {
	off := s.slots()[i].Off
	data := s.data.Bytes()[off:s.dlen]
	ln, n := binary.Uvarint(data)
	return data[n : n+int(ln)]
}

// Sort orders entries by key, in place. Entries with equal keys keep their
// append order.
func (s *storage) Sort() {
	slices.SortFunc(s.slots(), func(a, b slot) int {
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return cmp.Compare(a.Off, b.Off)
	})
}

// Search returns the position of the first entry with key. Entries must be
// sorted.
func (s *storage) Search(key uint64) (int, bool) {
	slots := s.slots()
	pos := sort.Search(len(slots), func(i int) bool {
		return slots[i].Key >= key
	})
	return pos, pos < len(slots) && slots[pos].Key == key
}

// Duplicates counts entries sharing their key with the preceding entry.
// Entries must be sorted.
func (s *storage) Duplicates() int {
	slots, dups := s.slots(), 0
	for i := 1; i < len(slots); i++ {
		if slots[i].Key == slots[i-1].Key {
			dups++
		}
	}
	return dups
}

// Size returns the number of used bytes across both regions.
func (s *storage) Size() (index, data int) {
	return headerSize + s.count*slotSize, s.dlen
}

// Persist writes the header and flushes both regions.
func (s *storage) Persist(finalized bool) error {
	var flags uint32
	if finalized {
		flags |= flagFinalized
	}
	s.writeHeader(flags)

	if err := s.index.Sync(); err != nil {
		return errors.Wrapf(ErrStorage, "sync %s: %v", s.name, err)
	}
	if err := s.data.Sync(); err != nil {
		return errors.Wrapf(ErrStorage, "sync %s: %v", s.name, err)
	}
	if finalized {
		advise(s.index, mmap.AccessRandom)
		advise(s.data, mmap.AccessRandom)
	}
	return nil
}

// Reset truncates storage to zero entries, keeping the mapped regions.
func (s *storage) Reset() {
	s.count = 0
	s.dlen = 0
	s.err = nil
	s.writeHeader(0)
}

func (s *storage) close() error {
	s.closed = true
	err := s.index.Close()
	if e := s.data.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func (s *storage) reserve(n, dlen int) error {
	if err := s.index.Reserve(headerSize + n*slotSize); err != nil {
		return capacityError(s.name, err)
	}
	if err := s.data.Reserve(dlen); err != nil {
		return capacityError(s.name, err)
	}
	return nil
}

func (s *storage) slots() []slot {
	if s.count == 0 {
		return nil
	}
	b := s.index.Bytes()
	return unsafe.Slice((*slot)(unsafe.Pointer(&b[headerSize])), s.count)
}

func (s *storage) slotBytes() []byte {
	return s.index.Bytes()[headerSize : headerSize+s.count*slotSize]
}

func (s *storage) writeHeader(flags uint32) {
	b := s.index.Bytes()[:headerSize]
	for i := range b {
		b[i] = 0
	}

	copy(b[0:8], magic)
	binary.LittleEndian.PutUint32(b[8:], storageVersion)
	binary.LittleEndian.PutUint32(b[12:], flags)
	binary.LittleEndian.PutUint64(b[16:], uint64(s.count))
	binary.LittleEndian.PutUint64(b[24:], uint64(s.dlen))
	binary.LittleEndian.PutUint32(b[32:], crc32.Checksum(s.slotBytes(), crcTable))
	*(*uint64)(unsafe.Pointer(&b[40])) = byteOrderProbe
}

func (s *storage) readHeader() error {
	idx, data := s.index.Bytes(), s.data.Bytes()
	if len(idx) < headerSize {
		return errors.Wrapf(ErrStorage, "%s: truncated header", s.name)
	}

	b := idx[:headerSize]
	if !bytes.Equal(b[0:8], magic) {
		return errors.Wrapf(ErrStorage, "%s: %v", s.name, errBadMagic)
	}
	if v := binary.LittleEndian.Uint32(b[8:]); v != storageVersion {
		return errors.Wrapf(ErrStorage, "%s: unsupported version %d", s.name, v)
	}
	if *(*uint64)(unsafe.Pointer(&b[40])) != byteOrderProbe {
		return errors.Wrapf(ErrStorage, "%s: byte order mismatch", s.name)
	}
	if flags := binary.LittleEndian.Uint32(b[12:]); flags&flagFinalized == 0 {
		return errors.Wrapf(ErrStorage, "%s: not finalized", s.name)
	}

	count := binary.LittleEndian.Uint64(b[16:])
	dlen := binary.LittleEndian.Uint64(b[24:])
	if count > uint64(len(idx)-headerSize)/uint64(slotSize) {
		return errors.Wrapf(ErrStorage, "%s: %d entries exceed index size %d", s.name, count, len(idx))
	}
	if dlen > uint64(len(data)) {
		return errors.Wrapf(ErrStorage, "%s: %d data bytes exceed region size %d", s.name, dlen, len(data))
	}

	s.count, s.dlen = int(count), int(dlen)
	if crc := binary.LittleEndian.Uint32(b[32:]); crc != crc32.Checksum(s.slotBytes(), crcTable) {
		return errors.Wrapf(ErrStorage, "%s: checksum mismatch", s.name)
	}
	used := data[:dlen]
	for _, sl := range s.slots() {
		if sl.Off >= dlen {
			return errors.Wrapf(ErrStorage, "%s: entry %d points beyond data", s.name, sl.Key)
		}
		ln, n := binary.Uvarint(used[sl.Off:])
		if n <= 0 || ln > dlen-sl.Off-uint64(n) {
			return errors.Wrapf(ErrStorage, "%s: entry %d has a bad payload length", s.name, sl.Key)
		}
	}
	return nil
}

func capacityError(name string, err error) error {
	if errors.Is(err, ErrCapacity) {
		return err
	}
	return errors.Wrapf(ErrCapacity, "%s: %v", name, err)
}

func advise(r Region, pattern mmap.AccessPattern) {
	if a, ok := r.(interface{ Advise(mmap.AccessPattern) error }); ok {
		_ = a.Advise(pattern)
	}
}
